// Package config 负责加载 SeQC 的 YAML 配置：数据库后端、分析批次、统计项插件、
// 查询服务、缓存、事件与日志。命令行参数在加载之后覆盖文件中的值。
package config
