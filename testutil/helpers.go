package testutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/malwarebo/portrait/config"
	"github.com/malwarebo/portrait/db"
	"github.com/malwarebo/portrait/models"
	"gorm.io/gorm"
)

func MockContext() context.Context {
	return context.Background()
}

// MockDB opens a migrated SQLite database in the test's temp dir.
func MockDB(t testing.TB) *gorm.DB {
	t.Helper()

	database, err := db.CreateDB(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "portrait_test.db"),
	})
	if err != nil {
		t.Fatalf("CreateDB() error = %v", err)
	}
	if err := db.CreateNewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("Migrator.Up() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return database.DB
}

func MockAccessCode(t testing.TB, gdb *gorm.DB, code string, maxUses, used int, status models.CodeStatus) *models.AccessCode {
	t.Helper()

	ac := &models.AccessCode{Code: code, MaxUses: maxUses, UsedCount: used, Status: status}
	if err := gdb.Create(ac).Error; err != nil {
		t.Fatalf("create access code: %v", err)
	}
	return ac
}

// MockPNG renders a w x h image with a simple two-tone pattern.
func MockPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 40, G: 90, B: 160, A: 255}
			if (x/4+y/4)%2 == 0 {
				c = color.NRGBA{R: 220, G: 180, B: 140, A: 255}
			}
			if x < w/4 || x > 3*w/4 {
				c.A = 0
			}
			img.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func MockGenerationRequest(image []byte) models.GenerationRequest {
	return models.NewGenerationRequest(image, "image/png", models.StyleOptions{}, "12ai", "gemini-3-pro-image-preview-2k", time.Now())
}

// ChatEnvelope is a chat-completions reply carrying the image as a data URI.
func ChatEnvelope(data []byte, mimeType string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{
				"role":    "assistant",
				"content": "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
			}},
		},
	})
	return body
}

// GeminiEnvelope is a generateContent reply; camel selects inlineData over inline_data.
func GeminiEnvelope(data []byte, mimeType string, camel bool) []byte {
	key, mimeKey := "inline_data", "mime_type"
	if camel {
		key, mimeKey = "inlineData", "mimeType"
	}
	body, _ := json.Marshal(map[string]interface{}{
		"candidates": []map[string]interface{}{
			{"content": map[string]interface{}{
				"parts": []map[string]interface{}{
					{"text": "here is your portrait"},
					{key: map[string]interface{}{
						mimeKey: mimeType,
						"data":  base64.StdEncoding.EncodeToString(data),
					}},
				},
			}},
		},
	})
	return body
}

// Filler returns n deterministic non-image bytes for size-based checks.
func Filler(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}
