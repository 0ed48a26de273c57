package embedding

import "context"

// Provider 定义统一的嵌入提供者接口.
// 同一部署内所有向量维度一致，返回向量长度必须等于 Dimensions().
type Provider interface {
	// EmbedDocuments 批量嵌入，返回顺序与输入一致.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error)

	// EmbedQuery 嵌入单个查询.
	EmbedQuery(ctx context.Context, query string) ([]float64, error)

	// Name 返回提供者名称.
	Name() string

	// Dimensions 返回嵌入维度.
	Dimensions() int
}
