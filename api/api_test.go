package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/malwarebo/portrait/analytics"
	"github.com/malwarebo/portrait/middleware"
	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/monitoring"
	"github.com/malwarebo/portrait/providers"
	"github.com/malwarebo/portrait/resilience"
	"github.com/malwarebo/portrait/security"
	"github.com/malwarebo/portrait/services"
	"github.com/malwarebo/portrait/storage"
	"github.com/malwarebo/portrait/stores"
	"github.com/malwarebo/portrait/testutil"
	"github.com/malwarebo/portrait/utils"
	"gorm.io/gorm"
)

const testAdminKey = "admin-test-key"

type fakeGenerator struct {
	err error
}

func (f fakeGenerator) Execute(_ context.Context, req models.GenerationRequest) (*providers.ExecutionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &providers.ExecutionResult{Image: testutil.Filler(len(req.Image)+5000, 9), MIMEType: "image/png"}, nil
}

type fakeNetworkInfo struct{}

func (fakeNetworkInfo) NetworkInfo() providers.NetworkInfo {
	breaker := resilience.CreateCircuitBreaker(resilience.CircuitBreakerConfig{Name: "upstream"})
	return providers.NetworkInfo{
		Provider:         "12ai",
		URL:              "https://new.12ai.org/v1/models/gemini-3-pro-image-preview-2k:generateContent",
		WireShape:        providers.ShapeGenerateContent,
		APIKeyConfigured: true,
		APIKeyLength:     11,
		CircuitBreaker:   breaker.Snapshot(),
	}
}

type apiFixture struct {
	server *httptest.Server
	gdb    *gorm.DB
}

func newAPI(t *testing.T, gen services.Generator) apiFixture {
	t.Helper()

	gdb := testutil.MockDB(t)
	codes := stores.CreateAccessCodeStore(gdb)
	attempts := stores.CreateVerificationAttemptStore(gdb)

	store, err := storage.CreateLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("CreateLocalStore() error = %v", err)
	}

	metrics := monitoring.NewMetrics()
	gateway, err := services.CreateGenerationGateway(services.GatewayConfig{
		Limiter:   security.CreateRateLimiter(security.RateLimitConfig{}),
		Ledger:    services.CreateQuotaLedger(codes, metrics),
		Generator: gen,
		Storage:   store,
		Logs:      stores.CreateGenerationLogStore(gdb),
		Attempts:  attempts,
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("CreateGenerationGateway() error = %v", err)
	}

	health := monitoring.CreateHealthService("test")
	health.AddCheck("storage", store.Ping, true)

	router := NewRouter(RouterConfig{
		Portrait:       CreatePortraitHandler(gateway, 1<<20),
		Admin:          CreateAdminHandler(services.CreateCodeService(codes, attempts, nil), analytics.CreateUsageReporter(stores.CreateGenerationLogStore(gdb), attempts, nil)),
		Health:         CreateHealthHandler(health),
		Debug:          CreateDebugHandler(fakeNetworkInfo{}),
		AdminAuth:      middleware.CreateAdminAuth(testAdminKey),
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return apiFixture{server: server, gdb: gdb}
}

func postJSON(t *testing.T, url string, body interface{}, adminKey string) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if adminKey != "" {
		req.Header.Set(middleware.AdminKeyHeader, adminKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return resp
}

func upload(t *testing.T, url, code, filename string, image []byte, fields map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("code", code)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if image != nil {
		fw, _ := mw.CreateFormFile("image", filename)
		fw.Write(image)
	}
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload error = %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response error = %v", err)
	}
	return out
}

func TestVerifyEndpoint(t *testing.T) {
	f := newAPI(t, fakeGenerator{})
	testutil.MockAccessCode(t, f.gdb, "ABCD1234", 3, 2, models.CodeStatusActive)

	resp := postJSON(t, f.server.URL+"/api/verify", VerifyRequest{Code: "abcd1234"}, "")
	body := decode(t, resp)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("verify status = %d, body = %v", resp.StatusCode, body)
	}
	if body["remaining"].(float64) != 1 || body["max_uses"].(float64) != 3 {
		t.Errorf("verify body = %v, want remaining 1 of 3", body)
	}

	resp = postJSON(t, f.server.URL+"/api/verify", VerifyRequest{Code: "WRONG000"}, "")
	body = decode(t, resp)
	if resp.StatusCode != http.StatusBadRequest || body["message"] != utils.ErrCodeNotFound.Message {
		t.Errorf("verify(unknown) status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestUploadEndpoint_Generates(t *testing.T) {
	f := newAPI(t, fakeGenerator{})
	testutil.MockAccessCode(t, f.gdb, "ABCD1234", 3, 0, models.CodeStatusActive)

	resp := upload(t, f.server.URL+"/api/upload", "ABCD1234", "me.png", testutil.MockPNG(t, 24, 24),
		map[string]string{"clothing": "turtleneck", "bgColor": "blue"})
	body := decode(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d, body = %v", resp.StatusCode, body)
	}
	if body["used_fallback"] != false || body["remaining"].(float64) != 2 {
		t.Errorf("upload body = %v, want a billed generation with 2 remaining", body)
	}

	resultURL, _ := body["result_url"].(string)
	if !strings.HasPrefix(resultURL, "/result/") {
		t.Fatalf("result_url = %q", resultURL)
	}
	res, err := http.Get(f.server.URL + resultURL)
	if err != nil {
		t.Fatalf("GET result error = %v", err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || len(data) == 0 {
		t.Errorf("GET result status = %d, %d bytes", res.StatusCode, len(data))
	}

	status := decode(t, mustGet(t, f.server.URL+"/api/status/abcd1234"))
	history, _ := status["history"].([]interface{})
	if status["remaining"].(float64) != 2 || len(history) != 1 {
		t.Errorf("status body = %v, want 2 remaining and one history entry", status)
	}
}

func TestUploadEndpoint_FallbackIsFree(t *testing.T) {
	f := newAPI(t, fakeGenerator{err: &utils.TransportError{Kind: utils.TransportConnectTimeout, Timeout: 10 * time.Second}})
	testutil.MockAccessCode(t, f.gdb, "FREE0001", 1, 0, models.CodeStatusActive)

	body := decode(t, upload(t, f.server.URL+"/api/upload", "FREE0001", "me.png", testutil.MockPNG(t, 24, 24), nil))
	if body["used_fallback"] != true || body["fallback_reason"] != "transport_connect_timeout" {
		t.Errorf("upload body = %v, want fallback with transport_connect_timeout", body)
	}
	if body["remaining"].(float64) != 1 {
		t.Errorf("remaining = %v, want 1", body["remaining"])
	}
}

func TestUploadEndpoint_Rejections(t *testing.T) {
	f := newAPI(t, fakeGenerator{})
	testutil.MockAccessCode(t, f.gdb, "GOOD0001", 3, 0, models.CodeStatusActive)
	png := testutil.MockPNG(t, 16, 16)

	tests := []struct {
		name     string
		code     string
		filename string
		image    []byte
		want     int
	}{
		{"no image", "GOOD0001", "", nil, http.StatusBadRequest},
		{"gif upload", "GOOD0001", "me.gif", png, http.StatusBadRequest},
		{"no code", "", "me.png", png, http.StatusBadRequest},
		{"too large", "GOOD0001", "big.png", append(append([]byte{}, png...), make([]byte, 2<<20)...), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := upload(t, f.server.URL+"/api/upload", tt.code, tt.filename, tt.image, nil)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("upload status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestResultEndpoint_NotFound(t *testing.T) {
	f := newAPI(t, fakeGenerator{})

	for _, path := range []string{"/result/missing.png", "/result/..%2F..%2Fetc%2Fpasswd"} {
		resp := mustGet(t, f.server.URL+path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestAdminEndpoints(t *testing.T) {
	f := newAPI(t, fakeGenerator{})

	resp := postJSON(t, f.server.URL+"/admin/codes", services.GenerateCodesRequest{Count: 3, MaxUses: 2}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("generate without key status = %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, f.server.URL+"/admin/codes", services.GenerateCodesRequest{Count: 3, MaxUses: 2}, testAdminKey)
	body := decode(t, resp)
	if resp.StatusCode != http.StatusCreated || body["count"].(float64) != 3 {
		t.Fatalf("generate status = %d, body = %v", resp.StatusCode, body)
	}
	codes := body["codes"].([]interface{})
	first := codes[0].(string)

	resp = postJSON(t, f.server.URL+"/admin/codes", services.GenerateCodesRequest{Count: 3, MaxUses: 0}, testAdminKey)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("generate with max_uses 0 status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, f.server.URL+"/admin/codes/status", StatusChangeRequest{Codes: []string{first}, Status: models.CodeStatusInactive}, testAdminKey)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("set status = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/admin/codes/export", nil)
	req.Header.Set(middleware.AdminKeyHeader, testAdminKey)
	exp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("export error = %v", err)
	}
	text, _ := io.ReadAll(exp.Body)
	exp.Body.Close()
	lines := strings.Fields(string(text))
	if len(lines) != 2 || strings.Contains(string(text), first) {
		t.Errorf("export = %q, want the two still-active codes", text)
	}

	resp = postJSON(t, f.server.URL+"/admin/codes/reset", ResetRequest{Code: "NOPE0000"}, testAdminKey)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("reset(missing) status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, f.server.URL+"/admin/codes/delete", CodesRequest{Codes: []string{first}}, testAdminKey)
	body = decode(t, resp)
	if body["deleted"].(float64) != 1 {
		t.Errorf("delete body = %v, want 1 deleted", body)
	}

	req, _ = http.NewRequest(http.MethodGet, f.server.URL+"/admin/attempts/export", nil)
	req.Header.Set(middleware.AdminKeyHeader, testAdminKey)
	csvResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("attempts export error = %v", err)
	}
	csvBody, _ := io.ReadAll(csvResp.Body)
	csvResp.Body.Close()
	if !strings.HasPrefix(string(csvBody), "id,code,ip_address,success,failure_reason,created_at") {
		t.Errorf("attempts export = %q", csvBody)
	}

	req, _ = http.NewRequest(http.MethodGet, f.server.URL+"/admin/reports/usage?period=weekly", nil)
	req.Header.Set(middleware.AdminKeyHeader, testAdminKey)
	reportResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("usage report error = %v", err)
	}
	body = decode(t, reportResp)
	report, ok := body["report"].(map[string]interface{})
	if reportResp.StatusCode != http.StatusOK || !ok || report["period"] != analytics.PeriodWeekly {
		t.Errorf("usage report status = %d, body = %v", reportResp.StatusCode, body)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	f := newAPI(t, fakeGenerator{})

	health := decode(t, mustGet(t, f.server.URL+"/health"))
	if health["status"] != string(monitoring.Healthy) {
		t.Errorf("health = %v, want healthy", health)
	}

	network := decode(t, mustGet(t, f.server.URL+"/debug/network"))
	if network["api_key_length"].(float64) != 11 || network["wire_shape"] != string(providers.ShapeGenerateContent) {
		t.Errorf("debug/network = %v", network)
	}
	if _, leaked := network["api_key"]; leaked {
		t.Error("debug/network exposes the api key")
	}

	resp := mustGet(t, f.server.URL+"/metrics")
	text, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(text), "portrait_http_requests_total") {
		t.Errorf("metrics output missing portrait_http_requests_total")
	}
}

func mustGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	return resp
}
