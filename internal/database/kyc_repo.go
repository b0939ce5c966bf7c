package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

type KYCRepository struct {
	db *DB
}

func NewKYCRepository(db *DB) *KYCRepository {
	return &KYCRepository{db: db}
}

// Save upserts a candidate's reference embedding.
func (r *KYCRepository) Save(ctx context.Context, profile *models.KYCProfile) error {
	if profile.CandidateID == "" {
		return fmt.Errorf("candidate id is required")
	}
	if len(profile.Embedding) == 0 {
		return fmt.Errorf("embedding is required")
	}

	encoded, err := json.Marshal(profile.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	query := r.db.rebind(`
		INSERT INTO kyc_profiles (candidate_id, embedding, image_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (candidate_id) DO UPDATE SET
			embedding = excluded.embedding,
			image_path = excluded.image_path,
			updated_at = excluded.updated_at`)

	_, err = r.db.conn.ExecContext(ctx, query,
		profile.CandidateID, string(encoded), nullString(profile.ImagePath), profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save kyc profile: %w", err)
	}
	return nil
}

func (r *KYCRepository) Get(ctx context.Context, candidateID string) (*models.KYCProfile, error) {
	query := r.db.rebind(`
		SELECT candidate_id, embedding, image_path, created_at, updated_at
		FROM kyc_profiles WHERE candidate_id = ?`)

	var p models.KYCProfile
	var raw []byte
	var imagePath sql.NullString
	err := r.db.conn.QueryRowContext(ctx, query, candidateID).
		Scan(&p.CandidateID, &raw, &imagePath, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kyc profile: %w", err)
	}

	if err := json.Unmarshal(raw, &p.Embedding); err != nil {
		return nil, fmt.Errorf("failed to decode embedding for %s: %w", candidateID, err)
	}
	p.ImagePath = imagePath.String
	return &p, nil
}

// GetEmbedding reports false when the candidate has no enrolled reference.
func (r *KYCRepository) GetEmbedding(ctx context.Context, candidateID string) ([]float32, bool, error) {
	p, err := r.Get(ctx, candidateID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p.Embedding, true, nil
}

func (r *KYCRepository) Delete(ctx context.Context, candidateID string) error {
	res, err := r.db.conn.ExecContext(ctx, r.db.rebind("DELETE FROM kyc_profiles WHERE candidate_id = ?"), candidateID)
	if err != nil {
		return fmt.Errorf("failed to delete kyc profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete kyc profile: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
