package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"bitespeed-identity/internal/config"
	"bitespeed-identity/internal/handlers/mocks"
	"bitespeed-identity/internal/logger"
	"bitespeed-identity/internal/models"
)

type IdentifyHandlerSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	identifier *mocks.MockIdentifier
	router     http.Handler
}

func TestIdentifyHandlerSuite(t *testing.T) {
	suite.Run(t, new(IdentifyHandlerSuite))
}

func (s *IdentifyHandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.identifier = mocks.NewMockIdentifier(s.ctrl)

	log := logger.Discard()
	s.router = NewRouter(RouterDeps{
		Identify: NewIdentifyHandler(log, s.identifier, config.IdentifyConfig{
			MaxRetries:   2,
			RetryBackoff: time.Millisecond,
		}),
		Health:   NewHealthHandler(stubPinger{}, "test"),
		Gatherer: prometheus.NewRegistry(),
		Log:      log,
	})
}

func (s *IdentifyHandlerSuite) do(method, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, "/identify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func sampleResponse() *models.IdentifyResponse {
	return &models.IdentifyResponse{Contact: models.ContactResponse{
		PrimaryContactID:    1,
		Emails:              []string{"a@x.com"},
		PhoneNumbers:        []string{"555"},
		SecondaryContactIDs: []int64{2},
	}}
}

func (s *IdentifyHandlerSuite) TestSuccess() {
	email, phone := "a@x.com", "555"
	s.identifier.EXPECT().
		Identify(gomock.Any(), models.IdentifyRequest{Email: &email, PhoneNumber: &phone}).
		Return(sampleResponse(), nil)

	rec, body := s.do(http.MethodPost, `{"email":"a@x.com","phoneNumber":"555"}`)

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("application/json", rec.Header().Get("Content-Type"))
	s.NotEmpty(rec.Header().Get("X-Request-Id"))
	s.JSONEq(`{"contact":{"primaryContactId":1,"emails":["a@x.com"],"phoneNumbers":["555"],"secondaryContactIds":[2]}}`,
		rec.Body.String())
	s.Contains(body, "contact")
}

func (s *IdentifyHandlerSuite) TestNumericPhoneNumber() {
	phone := "123456"
	s.identifier.EXPECT().
		Identify(gomock.Any(), models.IdentifyRequest{PhoneNumber: &phone}).
		Return(sampleResponse(), nil)

	rec, _ := s.do(http.MethodPost, `{"email":null,"phoneNumber":123456}`)
	s.Equal(http.StatusOK, rec.Code)
}

func (s *IdentifyHandlerSuite) TestInvalidJSON() {
	s.identifier.EXPECT().Identify(gomock.Any(), gomock.Any()).Times(0)

	rec, body := s.do(http.MethodPost, `{bad-json`)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("invalid JSON body", body["error"])
}

func (s *IdentifyHandlerSuite) TestMissingIdentifiers() {
	s.identifier.EXPECT().Identify(gomock.Any(), gomock.Any()).Times(0)

	for _, payload := range []string{`{}`, `{"email":null,"phoneNumber":null}`, `{"email":"","phoneNumber":"  "}`} {
		rec, body := s.do(http.MethodPost, payload)
		s.Equal(http.StatusBadRequest, rec.Code, payload)
		s.Equal("Email or phone number required", body["error"], payload)
		s.Len(body["details"], 2, payload)
	}
}

func (s *IdentifyHandlerSuite) TestMethodNotAllowed() {
	s.identifier.EXPECT().Identify(gomock.Any(), gomock.Any()).Times(0)

	rec, _ := s.do(http.MethodGet, "")
	s.Equal(http.StatusMethodNotAllowed, rec.Code)
}

func (s *IdentifyHandlerSuite) TestStorageErrorIs500WithoutRetry() {
	s.identifier.EXPECT().
		Identify(gomock.Any(), gomock.Any()).
		Return(nil, models.NewStorageError("find contacts", errors.New("disk I/O error"))).
		Times(1)

	rec, body := s.do(http.MethodPost, `{"email":"a@x.com"}`)
	s.Equal(http.StatusInternalServerError, rec.Code)
	s.Equal("internal server error", body["error"])
	s.NotContains(rec.Body.String(), "disk I/O")
}

func (s *IdentifyHandlerSuite) TestConflictRetriedThenSucceeds() {
	conflict := models.NewConflictError("insert contact", errors.New("duplicate key"))
	gomock.InOrder(
		s.identifier.EXPECT().Identify(gomock.Any(), gomock.Any()).Return(nil, conflict),
		s.identifier.EXPECT().Identify(gomock.Any(), gomock.Any()).Return(sampleResponse(), nil),
	)

	rec, _ := s.do(http.MethodPost, `{"email":"a@x.com"}`)
	s.Equal(http.StatusOK, rec.Code)
}

func (s *IdentifyHandlerSuite) TestConflictExhaustsRetries() {
	conflict := models.NewConflictError("demote contact", errors.New("changed concurrently"))
	s.identifier.EXPECT().Identify(gomock.Any(), gomock.Any()).Return(nil, conflict).Times(3)

	rec, body := s.do(http.MethodPost, `{"phoneNumber":"555"}`)
	s.Equal(http.StatusConflict, rec.Code)
	s.NotEmpty(body["error"])
}

func (s *IdentifyHandlerSuite) TestValidationFromIdentifier() {
	s.identifier.EXPECT().
		Identify(gomock.Any(), gomock.Any()).
		Return(nil, models.NewValidationError("email", "invalid"))

	rec, body := s.do(http.MethodPost, `{"email":"a@x.com"}`)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Len(body["details"], 1)
}

func TestIdentifyHandler_CancelledContextStopsRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	identifier := mocks.NewMockIdentifier(ctrl)
	h := NewIdentifyHandler(logger.Discard(), identifier, config.IdentifyConfig{MaxRetries: 5, RetryBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	identifier.EXPECT().Identify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.IdentifyRequest) (*models.IdentifyResponse, error) {
			cancel()
			return nil, models.NewConflictError("insert contact", errors.New("duplicate key"))
		})

	req := httptest.NewRequest(http.MethodPost, "/identify", strings.NewReader(`{"email":"a@x.com"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Handle(rec, req)

	require.NotEqual(t, http.StatusOK, rec.Code)
	assert.Contains(t, []int{http.StatusConflict, http.StatusInternalServerError}, rec.Code)
}
