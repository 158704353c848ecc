package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// huaweiTestServer serves both the IAM and OCR endpoints.
type huaweiTestServer struct {
	*httptest.Server
	tokenRequests atomic.Int32
	ocrRequests   atomic.Int32
	ocrHandler    http.HandlerFunc
}

func newHuaweiTestServer(t *testing.T, ocr http.HandlerFunc) *huaweiTestServer {
	t.Helper()
	s := &huaweiTestServer{ocrHandler: ocr}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/auth/tokens", func(w http.ResponseWriter, r *http.Request) {
		s.tokenRequests.Add(1)
		var req huaweiTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode token request: %v", err)
		}
		if req.Auth.Identity.HwAkSk.Access.Key != "ak" || req.Auth.Scope.Project.ID != "proj" {
			t.Errorf("unexpected token request: %+v", req)
		}
		w.Header().Set("X-Subject-Token", "token-123")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /v2/proj/ocr/smart-document-recognizer", func(w http.ResponseWriter, r *http.Request) {
		s.ocrRequests.Add(1)
		if tok := r.Header.Get("X-Auth-Token"); tok != "token-123" {
			t.Errorf("unexpected token: %s", tok)
		}
		s.ocrHandler(w, r)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestHuaweiClient(s *huaweiTestServer) *HuaweiOCRClient {
	return NewHuaweiOCRClient(HuaweiOCRConfig{
		AccessKey:   "ak",
		SecretKey:   "sk",
		ProjectID:   "proj",
		Endpoint:    s.URL,
		IAMEndpoint: s.URL,
		Timeout:     5 * time.Second,
		Options:     map[string]any{"layout": true},
	})
}

func TestHuaweiOCRClient_ProcessPage(t *testing.T) {
	t.Run("successful OCR", func(t *testing.T) {
		s := newHuaweiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			if payload["data"] != base64.StdEncoding.EncodeToString([]byte("page bytes")) {
				t.Errorf("unexpected data: %v", payload["data"])
			}
			if payload["layout"] != true {
				t.Errorf("options not merged: %v", payload)
			}
			w.Write([]byte(`{"result":[{"ocr_result":{"words_block_count":2,"words_block_list":[
				{"words":"Hello world","confidence":0.9},
				{"words":"second line","confidence":0.7}
			]}}]}`))
		})
		client := newTestHuaweiClient(s)

		result, err := client.ProcessPage(context.Background(), []byte("page bytes"), 4)
		if err != nil {
			t.Fatalf("ProcessPage() error = %v", err)
		}
		if !result.Success {
			t.Error("expected Success = true")
		}
		if result.Text != "Hello world\nsecond line" {
			t.Errorf("unexpected text: %q", result.Text)
		}
		if result.WordCount != 4 {
			t.Errorf("WordCount = %d, want 4", result.WordCount)
		}
		if result.Confidence == nil || math.Abs(*result.Confidence-0.8) > 1e-9 {
			t.Errorf("Confidence = %v, want 0.8", result.Confidence)
		}
		if result.Metadata["page_num"] != 4 {
			t.Errorf("metadata page_num = %v", result.Metadata["page_num"])
		}
	})

	t.Run("token is cached across requests", func(t *testing.T) {
		s := newHuaweiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"result":[]}`))
		})
		client := newTestHuaweiClient(s)

		for i := 0; i < 3; i++ {
			if _, err := client.ProcessPage(context.Background(), []byte("x"), i+1); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
		}
		if got := s.tokenRequests.Load(); got != 1 {
			t.Errorf("token requests = %d, want 1", got)
		}
		if got := s.ocrRequests.Load(); got != 3 {
			t.Errorf("ocr requests = %d, want 3", got)
		}
	})

	t.Run("expired token is refreshed", func(t *testing.T) {
		s := newHuaweiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"result":[]}`))
		})
		client := newTestHuaweiClient(s)
		now := time.Now()
		client.now = func() time.Time { return now }

		client.ProcessPage(context.Background(), []byte("x"), 1)
		now = now.Add(HuaweiTokenTTL + time.Minute)
		client.ProcessPage(context.Background(), []byte("x"), 2)

		if got := s.tokenRequests.Load(); got != 2 {
			t.Errorf("token requests = %d, want 2", got)
		}
	})

	t.Run("empty result has no confidence", func(t *testing.T) {
		s := newHuaweiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"result":[{"ocr_result":{"words_block_list":[]}}]}`))
		})
		result, err := newTestHuaweiClient(s).ProcessPage(context.Background(), []byte("x"), 1)
		if err != nil {
			t.Fatal(err)
		}
		if result.Text != "" || result.Confidence != nil || result.WordCount != 0 {
			t.Errorf("unexpected result: %+v", result)
		}
	})
}

func TestHuaweiOCRClient_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantInvalid   bool
	}{
		{"bad request is invalid image", http.StatusBadRequest, `{"error_code":"AIS.0103","error_msg":"The image size does not meet the requirements."}`, false, true},
		{"forbidden is permanent", http.StatusForbidden, `{"error_code":"APIG.0301","error_msg":"Incorrect IAM authentication information"}`, false, false},
		{"rate limited is transient", http.StatusTooManyRequests, `{"error_code":"APIG.0308","error_msg":"The request is throttled"}`, true, false},
		{"server error is transient", http.StatusInternalServerError, `internal error`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newHuaweiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			result, err := newTestHuaweiClient(s).ProcessPage(context.Background(), []byte("x"), 1)
			if err == nil {
				t.Fatal("expected error")
			}
			if result == nil || result.Success || result.ErrorMessage == "" {
				t.Errorf("unexpected result: %+v", result)
			}
			if IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v (err: %v)", IsTransient(err), tt.wantTransient, err)
			}
			if errors.Is(err, ErrInvalidImage) != tt.wantInvalid {
				t.Errorf("errors.Is(ErrInvalidImage) = %v, want %v", !tt.wantInvalid, tt.wantInvalid)
			}
		})
	}

	t.Run("unauthorized drops cached token", func(t *testing.T) {
		var calls atomic.Int32
		s := newHuaweiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"result":[]}`))
		})
		client := newTestHuaweiClient(s)

		if _, err := client.ProcessPage(context.Background(), []byte("x"), 1); err == nil {
			t.Fatal("expected error on first call")
		}
		if _, err := client.ProcessPage(context.Background(), []byte("x"), 1); err != nil {
			t.Fatalf("second call error = %v", err)
		}
		if got := s.tokenRequests.Load(); got != 2 {
			t.Errorf("token requests = %d, want 2", got)
		}
	})

	t.Run("missing subject token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))
		defer srv.Close()

		client := NewHuaweiOCRClient(HuaweiOCRConfig{ProjectID: "proj", Endpoint: srv.URL, IAMEndpoint: srv.URL})
		_, err := client.ProcessPage(context.Background(), []byte("x"), 1)
		if err == nil || IsTransient(err) {
			t.Errorf("expected permanent error, got %v", err)
		}
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection reset"), true},
		{"transient", &TransientError{StatusCode: 503, Err: errors.New("unavailable")}, true},
		{"permanent", &PermanentError{StatusCode: 401, Err: errors.New("unauthorized")}, false},
		{"invalid image", ErrInvalidImage, false},
		{"not enabled", ErrOCRNotEnabled, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestHuaweiOCRClient_Live calls the real service. It runs only when
// HUAWEI_ACCESS_KEY, HUAWEI_SECRET_KEY and HUAWEI_PROJECT_ID are set.
func TestHuaweiOCRClient_Live(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live test in short mode")
	}
	client := LoadTestConfig().NewHuaweiOCRClient()
	if client == nil {
		t.Skip("Huawei Cloud credentials not set")
	}

	// 1x1 white PNG
	img, _ := base64.StdEncoding.DecodeString("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAIAAACQd1PeAAAADElEQVR4nGP4//8/AAX+Av4N70a4AAAAAElFTkSuQmCC")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A blank pixel is either recognized as empty or rejected as unreadable;
	// anything else means auth or transport is broken.
	res, err := client.ProcessPage(ctx, img, 1)
	if err != nil && !errors.Is(err, ErrInvalidImage) {
		var perm *PermanentError
		if errors.As(err, &perm) && perm.StatusCode == http.StatusBadRequest {
			return
		}
		t.Fatalf("ProcessPage() error = %v", err)
	}
	if err == nil && !res.Success {
		t.Errorf("result = %+v", res)
	}
}
