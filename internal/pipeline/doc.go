// Package pipeline 负责把注册表中的统计项组织成一次可执行的扫描：
// 解析依赖得到全局拓扑顺序，规范化分析分组，并把各统计项的逐条记录逻辑
// 组合成单个 Routine。
package pipeline
