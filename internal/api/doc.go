// Package api 通过 gin 暴露查询服务：样本列表、展示信息修改、聚合查询以及健康检查和指标。
package api
