package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"pixbridge/internal/orchestrator"
	"pixbridge/internal/store"
)

// Service is the deposit pipeline surface the HTTP layer drives. Implemented
// by *orchestrator.Orchestrator.
type Service interface {
	CreateDeposit(ctx context.Context, req orchestrator.DepositRequest) (orchestrator.DepositReceipt, error)
	HandleStatusEvent(ctx context.Context, ev orchestrator.StatusEvent) error
	GetTransaction(ctx context.Context, id string) (store.Transaction, error)
}

// UserDirectory is the user/referral CRUD surface. Implemented by *store.Store.
type UserDirectory interface {
	CreateUser(ctx context.Context, referralCode *string) (store.User, error)
	CreateReferral(ctx context.Context, userID, code, paymentAddress string) (store.Referral, error)
}

type Server struct {
	svc          Service
	users        UserDirectory
	authToken    string
	webhookToken string
	log          *logrus.Logger
}

func NewServer(svc Service, users UserDirectory, authToken, webhookToken string, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		svc:          svc,
		users:        users,
		authToken:    authToken,
		webhookToken: webhookToken,
		log:          log,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/users", s.requireToken(s.authToken, http.HandlerFunc(s.handleUsers)))
	mux.Handle("/v1/referrals", s.requireToken(s.authToken, http.HandlerFunc(s.handleReferrals)))
	mux.Handle("/v1/deposits", s.requireToken(s.authToken, http.HandlerFunc(s.handleDeposits)))
	mux.Handle("/v1/transactions/", s.requireToken(s.authToken, http.HandlerFunc(s.handleTransactionByID)))
	mux.Handle("/v1/webhooks/pix", s.requireToken(s.webhookToken, http.HandlerFunc(s.handlePixWebhook)))
	return mux
}

func (s *Server) requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := extractBearerToken(r.Header.Get("Authorization"))
		if !secureCompare(got, token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
