package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/internal/repository"
	"github.com/noah-isme/pgmles-api/internal/service"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
)

type stubTokens map[string]string

func (s stubTokens) ValidateToken(token string) (*models.JWTClaims, error) {
	id, ok := s[token]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return &models.JWTClaims{UserID: id}, nil
}

type stubUsers map[string]*models.User

func (s stubUsers) Resolve(_ context.Context, id string) (*models.User, error) {
	u, ok := s[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "user no longer exists")
	}
	return u, nil
}

// stubServices implements every service interface the handlers consume.
type stubServices struct {
	actor      *models.User
	courseReq  models.CourseRequest
	filter     models.CourseFilter
	year       int
	month      int
	err        error
	download   *service.RosterDownload
	logoutSeen bool
}

func (s *stubServices) seen(actor *models.User) error {
	s.actor = actor
	return s.err
}

func (s *stubServices) Register(_ context.Context, req models.RegisterRequest) (*models.UserInfo, error) {
	return &models.UserInfo{ID: "u-new", Username: req.Username, Email: req.Email, Role: models.RoleClient}, s.err
}

func (s *stubServices) Login(context.Context, models.LoginRequest) (*models.LoginResponse, error) {
	return &models.LoginResponse{AccessToken: "access"}, s.err
}

func (s *stubServices) RefreshToken(context.Context, models.RefreshTokenRequest) (*models.RefreshTokenResponse, error) {
	return &models.RefreshTokenResponse{AccessToken: "access"}, s.err
}

func (s *stubServices) Logout(_ context.Context, actor *models.User, _ models.LogoutRequest, _, _ string) error {
	s.logoutSeen = true
	return s.seen(actor)
}

func (s *stubServices) List(_ context.Context, filter models.CourseFilter) ([]models.Course, *models.Pagination, error) {
	s.filter = filter
	return []models.Course{{ID: "c1"}}, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: 1}, s.err
}

func (s *stubServices) Get(_ context.Context, id string) (*models.Course, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Course{ID: id}, nil
}

func (s *stubServices) Teachers(context.Context) ([]models.UserInfo, error) {
	return []models.UserInfo{{ID: "t1", Username: "rob", Role: models.RoleTeacher}}, s.err
}

func (s *stubServices) Create(_ context.Context, actor *models.User, req models.CourseRequest) (*models.Course, error) {
	s.courseReq = req
	if err := s.seen(actor); err != nil {
		return nil, err
	}
	return &models.Course{ID: "c-new", Name: req.Name}, nil
}

func (s *stubServices) Update(_ context.Context, actor *models.User, id string, req models.CourseRequest) (*models.Course, error) {
	s.courseReq = req
	if err := s.seen(actor); err != nil {
		return nil, err
	}
	return &models.Course{ID: id, Name: req.Name}, nil
}

func (s *stubServices) Delete(_ context.Context, actor *models.User, id string) (*models.CourseDeleteResult, error) {
	if err := s.seen(actor); err != nil {
		return nil, err
	}
	return &models.CourseDeleteResult{CourseID: id, RemovedEnrollments: 2}, nil
}

func (s *stubServices) SearchToken(_ context.Context, actor *models.User) (*models.SearchToken, error) {
	if err := s.seen(actor); err != nil {
		return nil, err
	}
	return &models.SearchToken{Token: "tenant", Index: "courses"}, nil
}

func (s *stubServices) IsEnrolled(_ context.Context, actor *models.User, _ string) (bool, error) {
	return true, s.seen(actor)
}

func (s *stubServices) Subscribe(_ context.Context, actor *models.User, courseID string) (*models.Enrollment, error) {
	if err := s.seen(actor); err != nil {
		return nil, err
	}
	return &models.Enrollment{ID: "e1", UserID: actor.ID, CourseID: courseID}, nil
}

func (s *stubServices) Unsubscribe(_ context.Context, actor *models.User, _ string) error {
	return s.seen(actor)
}

func (s *stubServices) Toggle(_ context.Context, actor *models.User, _ string) (models.ToggleResult, error) {
	return models.ToggleResult{Subscribed: false}, s.seen(actor)
}

func (s *stubServices) ListEnrollmentsForUser(_ context.Context, actor *models.User) ([]string, error) {
	return []string{"c1", "c2"}, s.seen(actor)
}

func (s *stubServices) ListCourseMembers(_ context.Context, actor *models.User, _ string) ([]models.CourseMember, error) {
	return []models.CourseMember{{UserID: "u1", Username: "ana"}}, s.seen(actor)
}

func (s *stubServices) Overview(_ context.Context, actor *models.User) (*models.CatalogOverview, error) {
	s.actor = actor
	return &models.CatalogOverview{Courses: []models.Course{}, Teachers: []models.UserInfo{}, Subscriptions: []string{}}, s.err
}

func (s *stubServices) Month(_ context.Context, actor *models.User, year, month int) (*models.CalendarMonth, error) {
	s.actor, s.year, s.month = actor, year, month
	return &models.CalendarMonth{Year: year, Month: month}, s.err
}

func (s *stubServices) NextLesson(_ context.Context, actor *models.User) (*models.Lesson, error) {
	s.actor = actor
	if s.err != nil || actor == nil {
		return nil, s.err
	}
	return &models.Lesson{CourseID: "c1", Date: "2026-10-19"}, nil
}

func (s *stubServices) Account(_ context.Context, actor *models.User) (*models.User, error) {
	return actor, s.seen(actor)
}

func (s *stubServices) UpdateAccount(_ context.Context, actor *models.User, req models.UpdateAccountRequest) (*models.User, error) {
	if err := s.seen(actor); err != nil {
		return nil, err
	}
	updated := *actor
	updated.Username, updated.Email = req.Username, req.Email
	return &updated, nil
}

func (s *stubServices) FindByUsername(_ context.Context, actor *models.User, username string) (*models.User, error) {
	if err := s.seen(actor); err != nil {
		return nil, err
	}
	return &models.User{ID: "u9", Username: username, Role: models.RoleClient}, nil
}

func (s *stubServices) UpdatePermissions(_ context.Context, actor *models.User, userID string, req models.UpdatePermissionsRequest) (*models.User, error) {
	if err := s.seen(actor); err != nil {
		return nil, err
	}
	role, _ := models.ParseRole(req.Role)
	return &models.User{ID: userID, Role: role}, nil
}

func (s *stubServices) CreateExport(_ context.Context, actor *models.User, courseID string, req models.RosterExportRequest) (*models.RosterExport, error) {
	if err := s.seen(actor); err != nil {
		return nil, err
	}
	return &models.RosterExport{ID: "x1", CourseID: courseID, Format: req.Format, Status: models.ExportStatusQueued}, nil
}

func (s *stubServices) Status(_ context.Context, actor *models.User, id string) (*models.RosterExport, error) {
	if err := s.seen(actor); err != nil {
		return nil, err
	}
	return &models.RosterExport{ID: id, Status: models.ExportStatusFinished}, nil
}

func (s *stubServices) ResolveDownload(context.Context, string) (*service.RosterDownload, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.download, nil
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

var (
	adminUser   = &models.User{ID: "a1", Username: "root", Role: models.RoleAdmin}
	teacherUser = &models.User{ID: "t1", Username: "rob", Role: models.RoleTeacher}
	clientUser  = &models.User{ID: "u1", Username: "ana", Email: "ana@example.com", Role: models.RoleClient}
)

func newTestRouter(t *testing.T, svc *stubServices, db Pinger) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	tokens := stubTokens{"admin": "a1", "teacher": "t1", "client": "u1", "ghost": "gone"}
	users := stubUsers{"a1": adminUser, "t1": teacherUser, "u1": clientUser}
	Register(r, "/api/v1", Handlers{
		Auth:        NewAuthHandler(svc),
		Courses:     NewCourseHandler(svc),
		Enrollments: NewEnrollmentHandler(svc),
		Catalog:     NewCatalogHandler(svc, svc),
		Users:       NewUserHandler(svc),
		Exports:     NewRosterExportHandler(svc),
		Metrics:     NewMetricsHandler(service.NewMetricsService(), db),
	}, tokens, users)
	return r
}

func do(r *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestRoutesRequireAuthentication(t *testing.T) {
	r := newTestRouter(t, &stubServices{}, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/me"},
		{http.MethodPost, "/api/v1/courses/c1/enrollment"},
		{http.MethodPost, "/api/v1/courses/c1/enrollment/toggle"},
		{http.MethodGet, "/api/v1/courses/search-token"},
		{http.MethodPost, "/api/v1/auth/logout"},
	} {
		w := do(r, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
	}

	w := do(r, http.MethodGet, "/api/v1/me", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/api/v1/me", "ghost", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoutesEnforceRoles(t *testing.T) {
	svc := &stubServices{}
	r := newTestRouter(t, svc, nil)
	course := models.CourseRequest{Name: "Go", TeacherID: "t1", StartTime: "10:00", EndTime: "11:00", Location: "Room 1"}

	w := do(r, http.MethodPost, "/api/v1/courses", "client", course)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, appErrors.ErrForbidden.Code, errorCode(t, w))

	w = do(r, http.MethodPost, "/api/v1/courses", "teacher", course)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "t1", svc.actor.ID)
	assert.Equal(t, "Go", svc.courseReq.Name)

	w = do(r, http.MethodDelete, "/api/v1/courses/c1", "teacher", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(r, http.MethodDelete, "/api/v1/courses/c1", "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/v1/permissions/users?username=ana", "teacher", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(r, http.MethodGet, "/api/v1/permissions/users", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodPut, "/api/v1/permissions/users/u1", "admin", models.UpdatePermissionsRequest{Role: "teacher"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"teacher"`)

	w = do(r, http.MethodGet, "/api/v1/courses/c1/members", "client", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(r, http.MethodGet, "/api/v1/courses/teachers", "teacher", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEnrollmentRoutes(t *testing.T) {
	svc := &stubServices{}
	r := newTestRouter(t, svc, nil)

	w := do(r, http.MethodPost, "/api/v1/courses/c1/enrollment", "client", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"course_id":"c1"`)

	w = do(r, http.MethodGet, "/api/v1/courses/c1/enrollment", "client", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"enrolled":true`)

	w = do(r, http.MethodDelete, "/api/v1/courses/c1/enrollment", "client", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodGet, "/api/v1/me/enrollments", "client", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `["c1","c2"]`)

	svc.err = appErrors.ErrAlreadyEnrolled
	w = do(r, http.MethodPost, "/api/v1/courses/c1/enrollment", "client", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_ENROLLED", errorCode(t, w))

	svc.err = appErrors.ErrNotEnrolled
	w = do(r, http.MethodDelete, "/api/v1/courses/c1/enrollment", "client", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_ENROLLED", errorCode(t, w))
}

func TestCourseListQueryParsing(t *testing.T) {
	svc := &stubServices{}
	r := newTestRouter(t, svc, nil)

	w := do(r, http.MethodGet, "/api/v1/courses?search=go&weekday=3&page=2&page_size=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "go", svc.filter.Search)
	require.NotNil(t, svc.filter.Weekday)
	assert.Equal(t, models.Thursday, *svc.filter.Weekday)
	assert.Equal(t, 2, svc.filter.Page)
	assert.Contains(t, w.Body.String(), `"pagination"`)

	w = do(r, http.MethodGet, "/api/v1/courses?weekday=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOptionalAuthRoutes(t *testing.T) {
	svc := &stubServices{}
	r := newTestRouter(t, svc, nil)

	w := do(r, http.MethodGet, "/api/v1/catalog", "bogus", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, svc.actor)

	w = do(r, http.MethodGet, "/api/v1/calendar?year=2026&month=2", "client", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.actor)
	assert.Equal(t, "u1", svc.actor.ID)
	assert.Equal(t, 2026, svc.year)
	assert.Equal(t, 2, svc.month)

	w = do(r, http.MethodGet, "/api/v1/calendar?month=feb", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/calendar/next", "client", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", svc.actor.ID)
	assert.Contains(t, w.Body.String(), `"date":"2026-10-19"`)

	w = do(r, http.MethodGet, "/api/v1/calendar/next", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, svc.actor)
	assert.Contains(t, w.Body.String(), `"data":null`)
}

func TestAuthRoutes(t *testing.T) {
	svc := &stubServices{}
	r := newTestRouter(t, svc, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/register", "", models.RegisterRequest{Username: "ana", Email: "ana@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"client"`)

	w = do(r, http.MethodPost, "/api/v1/auth/login", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.err = appErrors.ErrRateLimited
	w = do(r, http.MethodPost, "/api/v1/auth/login", "", models.LoginRequest{Email: "ana@example.com", Password: "secret"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	svc.err = nil
	w = do(r, http.MethodPost, "/api/v1/auth/logout", "client", models.LogoutRequest{RefreshToken: "r1"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, svc.logoutSeen)
}

func TestRosterExportRoutes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.csv")
	require.NoError(t, os.WriteFile(path, []byte("Username,Email\nana,ana@example.com\n"), 0o600))
	file, err := os.Open(path)
	require.NoError(t, err)

	svc := &stubServices{download: &service.RosterDownload{File: file, Filename: "roster-c1.csv", ContentType: "text/csv"}}
	r := newTestRouter(t, svc, nil)

	w := do(r, http.MethodPost, "/api/v1/courses/c1/roster-exports", "teacher", models.RosterExportRequest{Format: models.ExportFormatCSV})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"QUEUED"`)

	w = do(r, http.MethodGet, "/api/v1/roster-exports/x1", "teacher", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/v1/roster-exports/download/token", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="roster-c1.csv"`, w.Header().Get("Content-Disposition"))
	assert.Contains(t, w.Body.String(), "ana,ana@example.com")

	svc.err = appErrors.Clone(appErrors.ErrForbidden, "download link expired")
	w = do(r, http.MethodGet, "/api/v1/roster-exports/download/token", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestOpsRoutes(t *testing.T) {
	r := newTestRouter(t, &stubServices{}, stubPinger{})
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/ready", "", nil).Code)

	w := do(r, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	down := newTestRouter(t, &stubServices{}, stubPinger{err: errors.New("connection refused")})
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/ready", "", nil).Code)
}

func TestEnrollmentRoutesMalformedCourseID(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "sqlmock")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	stub := &stubServices{}
	enrollments := service.NewEnrollmentService(repository.NewEnrollmentRepository(db), repository.NewCourseRepository(db), service.NewMetricsService(), nil)
	Register(r, "/api/v1", Handlers{
		Auth:        NewAuthHandler(stub),
		Courses:     NewCourseHandler(stub),
		Enrollments: NewEnrollmentHandler(enrollments),
		Catalog:     NewCatalogHandler(stub, stub),
		Users:       NewUserHandler(stub),
		Exports:     NewRosterExportHandler(stub),
		Metrics:     NewMetricsHandler(service.NewMetricsService(), nil),
	}, stubTokens{"client": "u1"}, stubUsers{"u1": clientUser})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM courses WHERE id = \\$1 FOR SHARE").WithArgs("abc").
		WillReturnError(&pq.Error{Code: "22P02"})
	mock.ExpectRollback()

	w := do(r, http.MethodPost, "/api/v1/courses/abc/enrollment", "client", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, appErrors.ErrNotFound.Code, errorCode(t, w))
	assert.NoError(t, mock.ExpectationsWereMet())
}
