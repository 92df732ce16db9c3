// Package storage 定义结果存储后端的契约，并提供基于 database/sql 的通用实现 DB。
// 具体后端（sqlite、mysql）嵌入 DB，只覆盖与方言相关的部分。
package storage
