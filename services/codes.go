package services

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/stores"
	"github.com/malwarebo/portrait/utils"
)

const (
	codeAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength        = 8
	attemptExportSize = 1000
	generateRounds    = 5
)

type GenerateCodesRequest struct {
	Count   int `json:"count" validate:"min=1,max=1000"`
	MaxUses int `json:"max_uses" validate:"min=1,max=100"`
}

// CodeService holds the operator-side code lifecycle.
type CodeService struct {
	codes    *stores.AccessCodeStore
	attempts *stores.VerificationAttemptStore
	cache    StatusCache
	random   io.Reader
}

func CreateCodeService(codes *stores.AccessCodeStore, attempts *stores.VerificationAttemptStore, cache StatusCache) *CodeService {
	return &CodeService{codes: codes, attempts: attempts, cache: cache, random: rand.Reader}
}

// GenerateCodes issues count new codes. Candidates that collide with an
// existing code are skipped and replaced in a later round.
func (s *CodeService) GenerateCodes(ctx context.Context, count, maxUses int) ([]string, error) {
	if err := utils.ValidateStruct(GenerateCodesRequest{Count: count, MaxUses: maxUses}); err != nil {
		return nil, err
	}

	created := make([]string, 0, count)
	for round := 0; round < generateRounds && len(created) < count; round++ {
		candidates := make([]string, 0, count-len(created))
		seen := make(map[string]bool, count-len(created))
		for len(candidates) < count-len(created) {
			c, err := s.newCode()
			if err != nil {
				return nil, err
			}
			if !seen[c] {
				seen[c] = true
				candidates = append(candidates, c)
			}
		}

		added, err := s.codes.CreateBatch(ctx, candidates, maxUses)
		if err != nil {
			utils.LogError(ctx, err, "Failed to create access codes", nil)
			return nil, utils.ErrDatabaseQuery
		}
		if skipped := len(candidates) - len(added); skipped > 0 {
			utils.Warn(ctx, "Skipped colliding access codes", map[string]interface{}{"skipped": skipped})
		}
		created = append(created, added...)
	}

	utils.Info(ctx, "Access codes generated", map[string]interface{}{
		"requested": count,
		"created":   len(created),
		"max_uses":  maxUses,
	})
	return created, nil
}

func (s *CodeService) newCode() (string, error) {
	buf := make([]byte, codeLength)
	alphabetSize := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(s.random, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func (s *CodeService) ListCodes(ctx context.Context, filter models.AccessCodeFilter) ([]*models.AccessCode, error) {
	return s.codes.List(ctx, filter)
}

func (s *CodeService) ExportActiveCodes(ctx context.Context) ([]string, error) {
	return s.codes.ListActiveCodes(ctx)
}

// ExportAttemptsCSV writes the most recent verification attempts as CSV.
func (s *CodeService) ExportAttemptsCSV(ctx context.Context, w io.Writer) error {
	attempts, err := s.attempts.ListRecent(ctx, attemptExportSize)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "code", "ip_address", "success", "failure_reason", "created_at"}); err != nil {
		return err
	}
	for _, a := range attempts {
		record := []string{
			strconv.FormatUint(uint64(a.ID), 10),
			a.Code,
			a.IPAddress,
			strconv.FormatBool(a.Success),
			a.FailureReason,
			a.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *CodeService) DeleteCodes(ctx context.Context, codes []string) (int64, error) {
	codes = normalizeCodes(codes)
	if len(codes) == 0 {
		return 0, utils.ErrCodeRequired
	}
	n, err := s.codes.DeleteByCodes(ctx, codes)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, codes)
	return n, nil
}

func (s *CodeService) SetStatus(ctx context.Context, codes []string, status models.CodeStatus) (int64, error) {
	if !status.Valid() {
		return 0, &utils.ValidationError{Field: "status", Message: "must be one of: active inactive"}
	}
	codes = normalizeCodes(codes)
	if len(codes) == 0 {
		return 0, utils.ErrCodeRequired
	}
	n, err := s.codes.UpdateStatus(ctx, codes, status)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, codes)
	return n, nil
}

// ResetCode clears the usage counter and re-enables the code.
func (s *CodeService) ResetCode(ctx context.Context, code string) error {
	code = utils.NormalizeCode(code)
	if code == "" {
		return utils.ErrCodeRequired
	}
	n, err := s.codes.Reset(ctx, code)
	if err != nil {
		return err
	}
	if n == 0 {
		return utils.ErrNotFound
	}
	s.invalidate(ctx, []string{code})
	return nil
}

// GetCode looks one code up for operators, whatever its state.
func (s *CodeService) GetCode(ctx context.Context, code string) (*models.AccessCode, error) {
	ac, err := s.codes.GetByCode(ctx, utils.NormalizeCode(code))
	if errors.Is(err, stores.ErrNotFound) {
		return nil, utils.ErrNotFound
	}
	return ac, err
}

func (s *CodeService) invalidate(ctx context.Context, codes []string) {
	for _, c := range codes {
		invalidateStatus(ctx, s.cache, c)
	}
}

func normalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = utils.NormalizeCode(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
