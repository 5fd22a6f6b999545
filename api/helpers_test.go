package api_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"auction/adapters/store"
	"auction/api"
	"auction/engine"
	"auction/engine/rule"
	"auction/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	t0            = time.Date(2024, 3, 19, 14, 0, 0, 0, time.UTC)
)

const (
	groupHighest   = "highest"
	groupThreshold = "threshold"
)

func testGroups() engine.StaticGroups {
	threshold, _ := json.Marshal(rule.ThresholdParams{TargetPrice: 200})
	return engine.StaticGroups{
		groupHighest:   {Key: groupHighest, Rule: rule.Config{ID: rule.HighestBid, Version: 1}, Duration: time.Hour},
		groupThreshold: {Key: groupThreshold, Rule: rule.Config{ID: rule.PriceThreshold, Version: 1, Params: threshold}},
	}
}

type fixture struct {
	router   *gin.Engine
	store    *store.Store
	engine   *engine.Engine
	key      ed25519.PrivateKey
	now      time.Time
	operator uuid.UUID
}

func setupFixture(t *testing.T, opts ...api.HandlerOption) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:api_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	s, err := store.NewStore(db, store.WithStoreLogger(discardLogger))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	f := &fixture{
		store:    s,
		engine:   engine.New(s, testGroups(), engine.WithLogger(discardLogger)),
		key:      key,
		now:      t0,
		operator: uuid.New(),
	}
	require.NoError(t, s.SaveUser(context.Background(), models.User{ID: f.operator, Username: "operator", Role: models.RoleOperator}))

	handlerOpts := append([]api.HandlerOption{
		api.WithHandlerLogger(discardLogger),
		api.WithUsers(s),
		api.WithClock(func() time.Time { return f.now }),
	}, opts...)
	handler, err := api.NewHandler(f.engine, key, handlerOpts...)
	require.NoError(t, err)
	f.router = gin.New()
	handler.Register(f.router)
	return f
}

func (f *fixture) token(t *testing.T, userID uuid.UUID, role models.Role) string {
	t.Helper()
	token, err := api.SignJWT(api.JWT{
		Username: "user-" + userID.String()[:8],
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, f.key)
	require.NoError(t, err)
	return token
}

// do 發送請求，body 為 nil 時不帶內容
func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type lotBody struct {
	ID      uuid.UUID       `json:"id"`
	State   models.LotState `json:"state"`
	Object  json.RawMessage `json:"object"`
	Confirm json.RawMessage `json:"confirm"`
	Bets    []struct {
		ID     uuid.UUID `json:"id"`
		Value  int64     `json:"value"`
		Winner bool      `json:"winner"`
	} `json:"bets"`
	Winner *struct {
		ID    uuid.UUID `json:"id"`
		Value int64     `json:"value"`
	} `json:"winner"`
	History []historyBody `json:"history"`
}

type historyBody struct {
	Seq          int64         `json:"seq"`
	Action       models.Action `json:"action"`
	RulePrice    *int64        `json:"rule_price"`
	CurrentPrice *int64        `json:"current_price"`
	ManualBooked bool          `json:"manual_booked"`
}

type betBody struct {
	ID    uuid.UUID `json:"id"`
	Seq   int64     `json:"seq"`
	Value int64     `json:"value"`
}

type messageBody struct {
	Message string `json:"message"`
}

func (f *fixture) createLot(t *testing.T, token, group, objectID string) lotBody {
	t.Helper()
	w := f.do(t, http.MethodPost, "/lots", token, map[string]any{
		"group_key": group,
		"object_id": objectID,
		"object":    map[string]string{"route": "A-B"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[lotBody](t, w)
}
