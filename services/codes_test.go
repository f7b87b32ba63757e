package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"image/jpeg"
	"regexp"
	"strings"
	"testing"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/stores"
	"github.com/malwarebo/portrait/testutil"
	"github.com/malwarebo/portrait/utils"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

func TestCodeService_GenerateCodes(t *testing.T) {
	ctx := testutil.MockContext()
	gdb := testutil.MockDB(t)
	codes := stores.CreateAccessCodeStore(gdb)
	svc := CreateCodeService(codes, stores.CreateVerificationAttemptStore(gdb), nil)

	created, err := svc.GenerateCodes(ctx, 25, 2)
	if err != nil {
		t.Fatalf("GenerateCodes() error = %v", err)
	}
	if len(created) != 25 {
		t.Fatalf("GenerateCodes() created %d codes, want 25", len(created))
	}

	seen := map[string]bool{}
	for _, c := range created {
		if !codePattern.MatchString(c) {
			t.Errorf("code %q does not match %s", c, codePattern)
		}
		if seen[c] {
			t.Errorf("code %q issued twice", c)
		}
		seen[c] = true
	}

	ac, err := codes.GetByCode(ctx, created[0])
	if err != nil {
		t.Fatalf("GetByCode() error = %v", err)
	}
	if ac.MaxUses != 2 || ac.UsedCount != 0 || ac.Status != models.CodeStatusActive {
		t.Errorf("stored code = %+v, want 2 uses, 0 used, active", ac)
	}

	active, err := svc.ExportActiveCodes(ctx)
	if err != nil {
		t.Fatalf("ExportActiveCodes() error = %v", err)
	}
	if len(active) != 25 {
		t.Errorf("ExportActiveCodes() = %d codes, want 25", len(active))
	}
}

func TestCodeService_GenerateCodesValidation(t *testing.T) {
	gdb := testutil.MockDB(t)
	svc := CreateCodeService(stores.CreateAccessCodeStore(gdb), stores.CreateVerificationAttemptStore(gdb), nil)

	tests := []struct {
		name    string
		count   int
		maxUses int
	}{
		{"zero count", 0, 3},
		{"too many", 1001, 3},
		{"zero uses", 5, 0},
		{"negative uses", 5, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GenerateCodes(context.Background(), tt.count, tt.maxUses)
			var valErrs utils.ValidationErrors
			if !errors.As(err, &valErrs) {
				t.Errorf("GenerateCodes(%d, %d) error = %v, want ValidationErrors", tt.count, tt.maxUses, err)
			}
		})
	}
}

func TestCodeService_AdminOperations(t *testing.T) {
	ctx := testutil.MockContext()
	gdb := testutil.MockDB(t)
	codes := stores.CreateAccessCodeStore(gdb)
	svc := CreateCodeService(codes, stores.CreateVerificationAttemptStore(gdb), nil)

	testutil.MockAccessCode(t, gdb, "AAAA0001", 3, 3, models.CodeStatusActive)
	testutil.MockAccessCode(t, gdb, "BBBB0002", 3, 1, models.CodeStatusActive)
	testutil.MockAccessCode(t, gdb, "CCCC0003", 3, 0, models.CodeStatusActive)

	if err := svc.ResetCode(ctx, "aaaa0001"); err != nil {
		t.Fatalf("ResetCode() error = %v", err)
	}
	ac, _ := codes.GetByCode(ctx, "AAAA0001")
	if ac.UsedCount != 0 {
		t.Errorf("used_count after ResetCode() = %d, want 0", ac.UsedCount)
	}
	if err := svc.ResetCode(ctx, "ZZZZ9999"); utils.HTTPStatus(err) != 404 {
		t.Errorf("ResetCode(missing) status = %d, want 404", utils.HTTPStatus(err))
	}

	n, err := svc.SetStatus(ctx, []string{"bbbb0002", ""}, models.CodeStatusInactive)
	if err != nil || n != 1 {
		t.Fatalf("SetStatus() = %d, %v, want 1, nil", n, err)
	}
	if _, err := svc.SetStatus(ctx, []string{"BBBB0002"}, "paused"); utils.HTTPStatus(err) != 400 {
		t.Errorf("SetStatus(paused) status = %d, want 400", utils.HTTPStatus(err))
	}

	n, err = svc.DeleteCodes(ctx, []string{"CCCC0003", "NOPE0000"})
	if err != nil || n != 1 {
		t.Fatalf("DeleteCodes() = %d, %v, want 1, nil", n, err)
	}
	if _, err := svc.GetCode(ctx, "CCCC0003"); !errors.Is(err, utils.ErrNotFound) {
		t.Errorf("GetCode(deleted) error = %v, want ErrNotFound", err)
	}

	active, _ := svc.ExportActiveCodes(ctx)
	if strings.Join(active, ",") != "AAAA0001" {
		t.Errorf("ExportActiveCodes() = %v, want [AAAA0001]", active)
	}
}

func TestCodeService_ExportAttemptsCSV(t *testing.T) {
	ctx := testutil.MockContext()
	gdb := testutil.MockDB(t)
	attempts := stores.CreateVerificationAttemptStore(gdb)
	svc := CreateCodeService(stores.CreateAccessCodeStore(gdb), attempts, nil)

	for _, a := range []*models.VerificationAttempt{
		{Code: "ABCD1234", IPAddress: "192.0.2.1", Success: true},
		{Code: "WRONG000", IPAddress: "192.0.2.2", FailureReason: "code_not_found"},
	} {
		if err := attempts.Create(ctx, a); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	var buf bytes.Buffer
	if err := svc.ExportAttemptsCSV(ctx, &buf); err != nil {
		t.Fatalf("ExportAttemptsCSV() error = %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("csv.ReadAll() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("CSV rows = %d, want 3", len(records))
	}
	if strings.Join(records[0], ",") != "id,code,ip_address,success,failure_reason,created_at" {
		t.Errorf("CSV header = %v", records[0])
	}

	byCode := map[string][]string{}
	for _, r := range records[1:] {
		byCode[r[1]] = r
	}
	if byCode["WRONG000"][4] != "code_not_found" || byCode["WRONG000"][3] != "false" {
		t.Errorf("CSV row for WRONG000 = %v", byCode["WRONG000"])
	}
	if byCode["ABCD1234"][3] != "true" {
		t.Errorf("CSV row for ABCD1234 = %v", byCode["ABCD1234"])
	}
}

func TestLocalRenderer_Render(t *testing.T) {
	ctx := testutil.MockContext()
	r := NewLocalRenderer()
	original := testutil.MockPNG(t, 40, 60)

	res := r.Render(ctx, original, "image/png", models.StyleOptions{BackgroundColor: models.ColorBlue})
	if !res.Transformed || res.Err != nil {
		t.Fatalf("Render() transformed = %v, err = %v, want true, nil", res.Transformed, res.Err)
	}
	if res.MIMEType != "image/jpeg" {
		t.Errorf("Render() mime = %q, want image/jpeg", res.MIMEType)
	}

	img, err := jpeg.Decode(bytes.NewReader(res.Image))
	if err != nil {
		t.Fatalf("jpeg.Decode() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 60 {
		t.Errorf("rendered size = %dx%d, want 40x60", b.Dx(), b.Dy())
	}

	broken := []byte("\x89PNG\r\n\x1a\nnot really a png")
	res = r.Render(ctx, broken, "image/png", models.StyleOptions{})
	if res.Transformed || res.Err == nil {
		t.Errorf("Render(broken) transformed = %v, err = %v, want false, error", res.Transformed, res.Err)
	}
	if !bytes.Equal(res.Image, broken) || res.MIMEType != "image/png" {
		t.Errorf("Render(broken) did not return the original image")
	}
}

func TestBackgroundColor(t *testing.T) {
	tests := []struct {
		opts    models.StyleOptions
		r, g, b uint8
	}{
		{models.StyleOptions{}, 255, 255, 255},
		{models.StyleOptions{Background: models.BackgroundTextured, BackgroundColor: models.ColorGray}, 200, 200, 210},
		{models.StyleOptions{Background: models.BackgroundSolid, BackgroundColor: models.ColorGray}, 233, 236, 239},
		{models.StyleOptions{Background: models.BackgroundSolid, BackgroundColor: models.ColorWarm}, 255, 236, 179},
		{models.StyleOptions{Background: models.BackgroundTextured, BackgroundColor: models.ColorBlack}, 70, 70, 80},
	}

	for _, tt := range tests {
		c := BackgroundColor(tt.opts)
		if c.R != tt.r || c.G != tt.g || c.B != tt.b {
			t.Errorf("BackgroundColor(%s/%s) = %v, want %d,%d,%d", tt.opts.Background, tt.opts.BackgroundColor, c, tt.r, tt.g, tt.b)
		}
	}
}
