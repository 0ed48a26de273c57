package rag

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/hybridrag/types"
)

// DocumentModel documents 表
type DocumentModel struct {
	ID          string         `gorm:"type:uuid;primaryKey"`
	Title       string         `gorm:"not null"`
	Source      string         `gorm:"not null;index"`
	Content     string         `gorm:"not null"`
	ContentHash string         `gorm:"column:content_hash;type:char(64);uniqueIndex"`
	Metadata    map[string]any `gorm:"serializer:json;type:jsonb"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (DocumentModel) TableName() string { return "documents" }

func documentModelFrom(doc Document) DocumentModel {
	return DocumentModel{
		ID:          doc.ID,
		Title:       doc.Title,
		Source:      doc.Source,
		Content:     doc.Content,
		ContentHash: doc.ContentHash,
		Metadata:    doc.Metadata,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

func (m DocumentModel) toDocument() Document {
	return Document{
		ID:          m.ID,
		Title:       m.Title,
		Source:      m.Source,
		Content:     m.Content,
		ContentHash: m.ContentHash,
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// documentRepo documents 表的读写，pgvector 与 qdrant 两种向量后端共用
type documentRepo struct {
	db    *gorm.DB
	store string
}

func (r documentRepo) wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewStoreUnavailable(r.store, err)
}

func (r documentRepo) upsert(ctx context.Context, doc Document) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	m := documentModelFrom(doc)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "source", "content", "content_hash", "metadata", "updated_at"}),
	}).Create(&m).Error
	return r.wrap(err)
}

func (r documentRepo) byHash(ctx context.Context, hash string) (*Document, error) {
	var models []DocumentModel
	if err := r.db.WithContext(ctx).Where("content_hash = ?", hash).Limit(1).Find(&models).Error; err != nil {
		return nil, r.wrap(err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	doc := models[0].toDocument()
	return &doc, nil
}

func (r documentRepo) bySource(ctx context.Context, source string) ([]Document, error) {
	var models []DocumentModel
	if err := r.db.WithContext(ctx).Where("source = ?", source).Order("id").Find(&models).Error; err != nil {
		return nil, r.wrap(err)
	}
	out := make([]Document, len(models))
	for i, m := range models {
		out[i] = m.toDocument()
	}
	return out, nil
}

func (r documentRepo) exists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&DocumentModel{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, r.wrap(err)
	}
	return n > 0, nil
}

func (r documentRepo) delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Delete(&DocumentModel{}, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return r.wrap(err)
}

func (r documentRepo) count(ctx context.Context) (int, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&DocumentModel{}).Count(&n).Error; err != nil {
		return 0, r.wrap(err)
	}
	return int(n), nil
}

// list 按创建时间倒序分页，ChunkCount 由调用方填充
func (r documentRepo) list(ctx context.Context, limit, offset int) ([]DocumentSummary, int, error) {
	total, err := r.count(ctx)
	if err != nil {
		return nil, 0, err
	}
	var models []DocumentModel
	q := r.db.WithContext(ctx).Order("created_at DESC").Order("id").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, 0, r.wrap(err)
	}
	out := make([]DocumentSummary, len(models))
	for i, m := range models {
		out[i] = DocumentSummary{
			ID:        m.ID,
			Title:     m.Title,
			Source:    m.Source,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		}
	}
	return out, total, nil
}
