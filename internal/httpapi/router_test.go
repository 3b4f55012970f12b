package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"attendsheets/internal/account"
	"attendsheets/internal/apperr"
	"attendsheets/internal/auth"
	"attendsheets/internal/enrollment"
	"attendsheets/internal/logging"
	"attendsheets/internal/qrsession"
	"attendsheets/internal/queue"
	"attendsheets/internal/store"
	"attendsheets/internal/tokens"

	"github.com/gin-gonic/gin"
)

type testServer struct {
	t      *testing.T
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logging.Discard()
	st := store.NewMemory()
	q := queue.NewInMemory(256)
	iss := auth.NewIssuer("attendsheets", "test-key", time.Hour)
	fixed := func() (string, error) { return "123456", nil }

	r := NewRouter(Deps{
		Store:      st,
		Enrollment: enrollment.New(st, log, enrollment.WithPublisher(q)),
		QR:         qrsession.New(st, log, qrsession.WithPublisher(q)),
		Accounts:   account.New(st, tokens.NewMemory(), iss, q, log, account.WithCodeGenerator(fixed)),
		Issuer:     iss,
		Log:        log,
	})
	return &testServer{t: t, router: r}
}

func (s *testServer) do(method, path, token string, body any) (int, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			s.t.Fatalf("%s %s: bad json: %v", method, path, err)
		}
	}
	return w.Code, out
}

func (s *testServer) register(prefix, email string) string {
	s.t.Helper()
	code, body := s.do(http.MethodPost, "/auth"+prefix+"/signup", "", map[string]string{
		"email": email, "password": "password1", "name": "User " + email,
	})
	if code != http.StatusOK {
		s.t.Fatalf("signup %s: %d %v", email, code, body)
	}
	code, body = s.do(http.MethodPost, "/auth"+prefix+"/verify-email", "", map[string]string{
		"email": email, "code": "123456",
	})
	if code != http.StatusCreated {
		s.t.Fatalf("verify %s: %d %v", email, code, body)
	}
	return body["access_token"].(string)
}

func TestAttendanceFlow(t *testing.T) {
	s := newTestServer(t)
	teacher := s.register("", "teacher@school.io")
	alice := s.register("/student", "alice@school.io")
	bob := s.register("/student", "bob@school.io")

	code, body := s.do(http.MethodPost, "/classes", teacher, map[string]any{"name": "Biology"})
	if code != http.StatusCreated {
		t.Fatalf("create class: %d %v", code, body)
	}
	classID := body["id"].(string)

	code, body = s.do(http.MethodGet, "/class/verify/"+classID, "", nil)
	if code != http.StatusOK || body["class_name"] != "Biology" {
		t.Fatalf("verify class: %d %v", code, body)
	}

	for _, tok := range []string{alice, bob} {
		code, body = s.do(http.MethodPost, "/student/enroll", tok, map[string]string{
			"classId": classID, "name": "Student", "rollNo": "R1",
		})
		if code != http.StatusOK || body["status"] != "enrolled" {
			t.Fatalf("enroll: %d %v", code, body)
		}
	}
	code, _ = s.do(http.MethodPost, "/student/enroll", alice, map[string]string{
		"classId": classID, "name": "Student", "rollNo": "R1",
	})
	if code != http.StatusConflict {
		t.Errorf("double enroll: expected 409, got %d", code)
	}

	code, body = s.do(http.MethodPost, "/qr/start", teacher, map[string]any{"classId": classID, "attendanceDate": "2024-05-06"})
	if code != http.StatusOK {
		t.Fatalf("start: %d %v", code, body)
	}

	code, body = s.do(http.MethodGet, "/qr/"+classID, "", nil)
	if code != http.StatusOK {
		t.Fatalf("current code: %d %v", code, body)
	}
	qr := body["code"].(string)

	code, _ = s.do(http.MethodPost, "/qr/scan", alice, map[string]string{"classId": classID, "qrCode": "WRONGWRG"})
	if code != http.StatusBadRequest {
		t.Errorf("wrong code: expected 400, got %d", code)
	}
	code, body = s.do(http.MethodPost, "/qr/scan", alice, map[string]string{"classId": classID, "qrCode": qr})
	if code != http.StatusOK || body["date"] != "2024-05-06" {
		t.Fatalf("scan: %d %v", code, body)
	}

	code, body = s.do(http.MethodPost, "/qr/stop/"+classID, teacher, nil)
	if code != http.StatusOK || body["absent_count"].(float64) != 1 || body["scanned_count"].(float64) != 1 {
		t.Fatalf("stop: %d %v", code, body)
	}

	code, body = s.do(http.MethodGet, "/classes/"+classID, teacher, nil)
	if code != http.StatusOK {
		t.Fatalf("get class: %d %v", code, body)
	}
	stats := body["statistics"].(map[string]any)
	if stats["total_students"].(float64) != 2 || stats["avg_attendance"].(float64) != 50 {
		t.Errorf("unexpected statistics: %v", stats)
	}

	code, _ = s.do(http.MethodDelete, "/student/unenroll/"+classID, bob, nil)
	if code != http.StatusOK {
		t.Fatalf("unenroll: %d", code)
	}
	code, body = s.do(http.MethodDelete, "/student/unenroll/"+classID, bob, nil)
	if code != http.StatusBadRequest {
		t.Errorf("second unenroll: expected 400, got %d %v", code, body)
	}

	code, body = s.do(http.MethodGet, "/classes/"+classID, teacher, nil)
	if students := body["students"].([]any); code != http.StatusOK || len(students) != 1 {
		t.Errorf("unenrolled student must be hidden: %d %v", code, body["students"])
	}

	code, body = s.do(http.MethodGet, "/student/class/"+classID, alice, nil)
	if code != http.StatusOK {
		t.Fatalf("student class: %d %v", code, body)
	}
	if pct := body["statistics"].(map[string]any)["percentage"].(float64); pct != 100 {
		t.Errorf("unexpected percentage %v", pct)
	}

	code, body = s.do(http.MethodGet, "/auth/me", teacher, nil)
	if ov := body["overview"].(map[string]any); code != http.StatusOK || ov["total_students"].(float64) != 1 {
		t.Errorf("unexpected overview: %d %v", code, body)
	}
}

func TestRoleAndAuthGuards(t *testing.T) {
	s := newTestServer(t)
	teacher := s.register("", "teacher@school.io")
	student := s.register("/student", "student@school.io")

	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodGet, "/classes", "", http.StatusUnauthorized},
		{http.MethodGet, "/classes", student, http.StatusForbidden},
		{http.MethodGet, "/classes", teacher, http.StatusOK},
		{http.MethodGet, "/student/classes", teacher, http.StatusForbidden},
		{http.MethodGet, "/student/classes", student, http.StatusOK},
		{http.MethodGet, "/classes/missing", teacher, http.StatusNotFound},
		{http.MethodGet, "/qr/missing", "", http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s %s", tc.method, tc.path), func(t *testing.T) {
			if code, body := s.do(tc.method, tc.path, tc.token, nil); code != tc.want {
				t.Errorf("got %d %v, want %d", code, body, tc.want)
			}
		})
	}
}

func TestLoginAndValidation(t *testing.T) {
	s := newTestServer(t)
	s.register("", "teacher@school.io")

	code, _ := s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "teacher@school.io", "password": "bad"})
	if code != http.StatusUnauthorized {
		t.Errorf("bad password: expected 401, got %d", code)
	}
	code, body := s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "teacher@school.io", "password": "password1"})
	if code != http.StatusOK || body["access_token"] == "" {
		t.Errorf("login: %d %v", code, body)
	}
	code, _ = s.do(http.MethodPost, "/auth/signup", "", map[string]string{"email": "not-an-email", "password": "password1", "name": "x"})
	if code != http.StatusBadRequest {
		t.Errorf("invalid email: expected 400, got %d", code)
	}
	code, _ = s.do(http.MethodPost, "/auth/signup", "", map[string]string{"email": "teacher@school.io", "password": "password1", "name": "x"})
	if code != http.StatusConflict {
		t.Errorf("taken email: expected 409, got %d", code)
	}
	code, _ = s.do(http.MethodPost, "/contact", "", map[string]string{"name": "a", "email": "a@b.io", "subject": "s", "message": "m"})
	if code != http.StatusCreated {
		t.Errorf("contact: expected 201, got %d", code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(http.MethodGet, "/healthz", "", nil)
	if code != http.StatusOK || body["db"] != true {
		t.Errorf("health: %d %v", code, body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.ErrClassNotFound, http.StatusNotFound},
		{apperr.ErrNotOwner, http.StatusForbidden},
		{apperr.ErrBadCredentials, http.StatusUnauthorized},
		{apperr.ErrAlreadyEnrolled, http.StatusConflict},
		{apperr.ErrNoActiveSession, http.StatusConflict},
		{apperr.ErrInvalidCode, http.StatusBadRequest},
		{apperr.Storage(errors.New("db down")), http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
	if got := detail(apperr.Storage(errors.New("password=secret"))); got != "internal server error" {
		t.Errorf("storage details must not leak: %q", got)
	}
	if got := detail(apperr.ErrClassNotFound); got != "class not found" {
		t.Errorf("unexpected detail %q", got)
	}
}
