package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	HuaweiOCRName   = "huawei"
	HuaweiRegion    = "ap-southeast-3"
	HuaweiTokenTTL  = 23 * time.Hour
	huaweiOCRPath   = "/v2/%s/ocr/smart-document-recognizer"
	huaweiTokenPath = "/v3/auth/tokens"
)

// HuaweiOCRConfig holds configuration for the Huawei Cloud OCR client.
type HuaweiOCRConfig struct {
	AccessKey string
	SecretKey string
	ProjectID string
	Region    string

	// Endpoint overrides https://ocr.{region}.myhuaweicloud.com
	Endpoint string
	// IAMEndpoint overrides https://iam.{region}.myhuaweicloud.com
	IAMEndpoint string

	Timeout    time.Duration
	RateLimit  float64 // Requests per second (default: 10.0)
	Retries    int
	RetryDelay time.Duration

	// Options are merged into every recognition request (e.g. "layout": true).
	Options map[string]any
}

// HuaweiOCRClient implements OCRProvider using the smart-document-recognizer API.
// Requests authenticate with an IAM token obtained from the AK/SK pair; the
// token is cached until shortly before it expires.
type HuaweiOCRClient struct {
	accessKey   string
	secretKey   string
	projectID   string
	endpoint    string
	iamEndpoint string
	rateLimit   float64
	retries     int
	retryDelay  time.Duration
	options     map[string]any
	client      *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// NewHuaweiOCRClient creates a new Huawei OCR client.
func NewHuaweiOCRClient(cfg HuaweiOCRConfig) *HuaweiOCRClient {
	if cfg.Region == "" {
		cfg.Region = HuaweiRegion
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf("https://ocr.%s.myhuaweicloud.com", cfg.Region)
	}
	if cfg.IAMEndpoint == "" {
		cfg.IAMEndpoint = fmt.Sprintf("https://iam.%s.myhuaweicloud.com", cfg.Region)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10.0
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	return &HuaweiOCRClient{
		accessKey:   cfg.AccessKey,
		secretKey:   cfg.SecretKey,
		projectID:   cfg.ProjectID,
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		iamEndpoint: strings.TrimRight(cfg.IAMEndpoint, "/"),
		rateLimit:   cfg.RateLimit,
		retries:     cfg.Retries,
		retryDelay:  cfg.RetryDelay,
		options:     cfg.Options,
		client:      &http.Client{Timeout: cfg.Timeout},
		now:         time.Now,
	}
}

// Name returns the provider identifier.
func (c *HuaweiOCRClient) Name() string {
	return HuaweiOCRName
}

// RequestsPerSecond returns the configured rate limit.
func (c *HuaweiOCRClient) RequestsPerSecond() float64 {
	return c.rateLimit
}

// MaxRetries returns the maximum retry attempts.
func (c *HuaweiOCRClient) MaxRetries() int {
	return c.retries
}

// RetryDelayBase returns the base delay for exponential backoff.
func (c *HuaweiOCRClient) RetryDelayBase() time.Duration {
	return c.retryDelay
}

// ProcessPage sends one page to smart-document-recognizer.
// Text is the recognized word blocks joined by newlines; confidence is the
// mean of the word block confidences.
func (c *HuaweiOCRClient) ProcessPage(ctx context.Context, data []byte, pageNum int) (*OCRResult, error) {
	start := time.Now()

	token, err := c.getToken(ctx)
	if err != nil {
		return &OCRResult{ErrorMessage: err.Error(), ExecutionTime: time.Since(start)}, err
	}

	payload := map[string]any{
		"data": base64.StdEncoding.EncodeToString(data),
	}
	for k, v := range c.options {
		payload[k] = v
	}

	resp, err := c.recognize(ctx, token, payload)
	if err != nil {
		return &OCRResult{ErrorMessage: err.Error(), ExecutionTime: time.Since(start)}, err
	}

	var (
		lines    []string
		confSum  float64
		confN    int
		blockCnt int
	)
	for _, item := range resp.Result {
		if item.OCRResult == nil {
			continue
		}
		for _, block := range item.OCRResult.WordsBlockList {
			blockCnt++
			lines = append(lines, block.Words)
			if block.Confidence != nil {
				confSum += *block.Confidence
				confN++
			}
		}
	}

	text := strings.Join(lines, "\n")
	result := &OCRResult{
		Success:       true,
		Text:          text,
		WordCount:     len(strings.Fields(text)),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"page_num":          pageNum,
			"words_block_count": blockCnt,
			"provider":          HuaweiOCRName,
		},
	}
	if confN > 0 {
		avg := confSum / float64(confN)
		result.Confidence = &avg
	}
	return result, nil
}

// getToken returns a cached IAM token or requests a new one.
func (c *HuaweiOCRClient) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	body := huaweiTokenRequest{}
	body.Auth.Identity.Methods = []string{"hw_ak_sk"}
	body.Auth.Identity.HwAkSk.Access.Key = c.accessKey
	body.Auth.Identity.HwAkSk.Secret.Key = c.secretKey
	body.Auth.Scope.Project.ID = c.projectID

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.iamEndpoint+huaweiTokenPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("token request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", classifyStatus(resp.StatusCode, fmt.Errorf("failed to get IAM token (status %d): %s", resp.StatusCode, string(respBody)))
	}

	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return "", &PermanentError{StatusCode: resp.StatusCode, Err: fmt.Errorf("IAM response missing X-Subject-Token header")}
	}

	c.token = token
	c.tokenExpiry = c.now().Add(HuaweiTokenTTL)
	return token, nil
}

// recognize makes the OCR request.
func (c *HuaweiOCRClient) recognize(ctx context.Context, token string, payload map[string]any) (*huaweiOCRResponse, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.endpoint + fmt.Sprintf(huaweiOCRPath, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Token", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		var errResp huaweiErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.ErrorMsg != "" {
			return nil, classifyStatus(resp.StatusCode, fmt.Errorf("Huawei OCR error (status %d, %s): %s", resp.StatusCode, errResp.ErrorCode, errResp.ErrorMsg))
		}
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("Huawei OCR error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var ocrResp huaweiOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &ocrResp, nil
}

func (c *HuaweiOCRClient) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

// classifyStatus maps an HTTP status to a retry class.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusBadRequest:
		return &PermanentError{StatusCode: status, Err: fmt.Errorf("%w: %v", ErrInvalidImage, err)}
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{StatusCode: status, Err: err}
	default:
		return &PermanentError{StatusCode: status, Err: err}
	}
}

// Huawei OCR API types

type huaweiTokenRequest struct {
	Auth struct {
		Identity struct {
			Methods []string `json:"methods"`
			HwAkSk  struct {
				Access struct {
					Key string `json:"key"`
				} `json:"access"`
				Secret struct {
					Key string `json:"key"`
				} `json:"secret"`
			} `json:"hw_ak_sk"`
		} `json:"identity"`
		Scope struct {
			Project struct {
				ID string `json:"id"`
			} `json:"project"`
		} `json:"scope"`
	} `json:"auth"`
}

type huaweiOCRResponse struct {
	Result []huaweiResultItem `json:"result"`
}

type huaweiResultItem struct {
	OCRResult *huaweiOCRResult `json:"ocr_result,omitempty"`
}

type huaweiOCRResult struct {
	WordsBlockList  []huaweiWordBlock `json:"words_block_list"`
	Direction       *float64          `json:"direction,omitempty"`
	WordsBlockCount int               `json:"words_block_count,omitempty"`
}

type huaweiWordBlock struct {
	Words      string   `json:"words"`
	Confidence *float64 `json:"confidence,omitempty"`
	Location   [][]int  `json:"location,omitempty"`
}

type huaweiErrorResponse struct {
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// Verify interface
var _ OCRProvider = (*HuaweiOCRClient)(nil)
