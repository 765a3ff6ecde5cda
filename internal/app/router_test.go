package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"error_book_backend/internal/config"
	"error_book_backend/internal/testutil"
	"error_book_backend/internal/util"
	"error_book_backend/pkg/llm"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "router-test-secret"

type envelope struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Error   *util.ErrorDetail `json:"error"`
}

func newTestRouter(t *testing.T, maxRequests int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		JWT:       config.JWTConfig{Secret: testSecret},
		Storage:   config.StorageConfig{Type: util.StorageLocal, LocalPath: t.TempDir()},
		Review:    config.ReviewConfig{MaxAttempts: 3},
		RateLimit: config.RateLimitConfig{MaxRequests: maxRequests, WindowMinutes: 1},
	}
	db := testutil.NewDB(t)
	services := BuildServices(cfg, db, nil, llm.NewMockTransport())
	return NewRouter(cfg, services, db)
}

func call(t *testing.T, router *gin.Engine, method, path string, userID uint, body interface{}) (int, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		token, err := util.GenerateJWT(userID, testSecret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func TestMistakeRoundTrip(t *testing.T) {
	router := newTestRouter(t, 100)

	status, env := call(t, router, http.MethodPost, "/api/mistakes", 1, map[string]interface{}{
		"subject":        "math",
		"title":          "解方程 x²-5x+6=0",
		"correct_answer": "x=2 或 x=3",
		"ai_feedback":    map[string]interface{}{"knowledge_points": []string{"一元二次方程", "因式分解"}},
	})
	require.Equal(t, http.StatusCreated, status, "%+v", env)
	var created struct {
		Mistake struct {
			ID      string `json:"id"`
			Subject string `json:"subject"`
		} `json:"mistake"`
		KnowledgePoints []string `json:"knowledgePoints"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	id := created.Mistake.ID
	require.NotEmpty(t, id)
	assert.Equal(t, "数学", created.Mistake.Subject)
	assert.Equal(t, []string{"一元二次方程", "因式分解"}, created.KnowledgePoints)

	status, env = call(t, router, http.MethodGet, "/api/mistakes/"+id, 1, nil)
	require.Equal(t, http.StatusOK, status)
	var detail struct {
		Title string            `json:"title"`
		Links []json.RawMessage `json:"knowledgePointLinks"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, "解方程 x²-5x+6=0", detail.Title)
	assert.Len(t, detail.Links, 2)

	status, _ = call(t, router, http.MethodPut, "/api/mistakes/"+id, 1, map[string]interface{}{"title": "新标题", "difficulty": 4})
	require.Equal(t, http.StatusOK, status)

	status, env = call(t, router, http.MethodGet, "/api/mistakes/"+id, 1, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, "新标题", detail.Title)

	// 其他用户看不到
	status, env = call(t, router, http.MethodGet, "/api/mistakes/"+id, 2, nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, util.CodeNotFound, env.Error.Code)

	status, _ = call(t, router, http.MethodDelete, "/api/mistakes/"+id, 1, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = call(t, router, http.MethodGet, "/api/mistakes/"+id, 1, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreateMistakeValidationEnvelope(t *testing.T) {
	router := newTestRouter(t, 100)

	status, env := call(t, router, http.MethodPost, "/api/mistakes", 1, map[string]interface{}{"subject": "math"})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, util.CodeValidation, env.Error.Code)
}

func TestReviewSessionOverHTTP(t *testing.T) {
	router := newTestRouter(t, 100)

	_, env := call(t, router, http.MethodPost, "/api/mistakes", 1, map[string]interface{}{
		"subject":     "math",
		"title":       "化简根式",
		"ai_feedback": map[string]interface{}{"knowledge_points": []string{"二次根式"}},
	})
	var created struct {
		Mistake struct {
			ID string `json:"id"`
		} `json:"mistake"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	status, env := call(t, router, http.MethodPost, "/api/reviews", 1, map[string]string{"mistake_id": created.Mistake.ID})
	require.Equal(t, http.StatusCreated, status)
	var view struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))

	status, _ = call(t, router, http.MethodPost, "/api/reviews", 1, map[string]string{"mistake_id": created.Mistake.ID})
	assert.Equal(t, http.StatusOK, status)

	status, env = call(t, router, http.MethodPost, "/api/reviews/"+view.Session.ID+"/submit", 1, map[string]interface{}{"skip": true})
	require.Equal(t, http.StatusOK, status)
	var result struct {
		Completed bool `json:"completed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.True(t, result.Completed)

	status, env = call(t, router, http.MethodPost, "/api/reviews/"+view.Session.ID+"/abandon", 1, nil)
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, util.CodeConflict, env.Error.Code)
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t, 100)

	status, env := call(t, router, http.MethodGet, "/api/mistakes", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, util.CodeUnauthorized, env.Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/mistakes", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	status, _ = call(t, router, http.MethodGet, "/health", 0, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRateLimitPerUser(t *testing.T) {
	router := newTestRouter(t, 2)

	for i := 0; i < 2; i++ {
		status, _ := call(t, router, http.MethodGet, "/api/mistakes", 1, nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, _ := call(t, router, http.MethodGet, "/api/mistakes", 1, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)

	// 另一个用户有独立的配额
	status, _ = call(t, router, http.MethodGet, "/api/mistakes", 2, nil)
	assert.Equal(t, http.StatusOK, status)
}
