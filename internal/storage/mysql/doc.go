// Package mysql 的结果表写入采用影子表加 RENAME TABLE，元数据合并使用 SELECT ... FOR UPDATE。
package mysql
