package services

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lockForUpdate 给查询加行级写锁。claim 的 check-and-set 必须
// 在这把锁下做，否则两个客服能同时看到 waiting 各自提交。
// sqlite 没有 FOR UPDATE 语法，单写者本身就是串行的，跳过。
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
