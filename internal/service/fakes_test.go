package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/internal/repository"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
)

// memDB is an in-memory stand-in for Postgres. A single mutex plays the role
// of the row locks and UNIQUE constraint, so concurrent callers observe the
// same atomicity the SQL repositories provide.
type memDB struct {
	mu          sync.Mutex
	seq         int
	users       map[string]*models.User
	courses     map[string]*models.Course
	enrollments map[[2]string]models.Enrollment
	tokens      map[string]*models.RefreshToken
	audits      []models.AuditLog
	exports     map[string]*models.RosterExport
	cache       map[string][]byte
	locks       map[string]bool

	// injected failures, consumed once
	enrollErr error
}

func newMemDB() *memDB {
	return &memDB{
		users:       map[string]*models.User{},
		courses:     map[string]*models.Course{},
		enrollments: map[[2]string]models.Enrollment{},
		tokens:      map[string]*models.RefreshToken{},
		exports:     map[string]*models.RosterExport{},
		cache:       map[string][]byte{},
		locks:       map[string]bool{},
	}
}

func (db *memDB) nextID(prefix string) string {
	db.seq++
	return fmt.Sprintf("%s-%d", prefix, db.seq)
}

func (db *memDB) addUser(id, username string, role models.UserRole) *models.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	u := &models.User{ID: id, Username: username, Email: username + "@example.com", Role: role}
	db.users[id] = u
	return u
}

func (db *memDB) addCourse(id, name, teacherID string, day models.Weekday) *models.Course {
	db.mu.Lock()
	defer db.mu.Unlock()
	c := &models.Course{ID: id, Name: name, TeacherID: teacherID, Weekday: day, StartTime: "10:00", EndTime: "11:00", Location: "Room 1"}
	if t, ok := db.users[teacherID]; ok {
		c.TeacherName = t.Username
	}
	db.courses[id] = c
	return c
}

func (db *memDB) enrollmentCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.enrollments)
}

type memEnrollments struct{ db *memDB }

func (m memEnrollments) Exists(_ context.Context, userID, courseID string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	_, ok := m.db.enrollments[[2]string{userID, courseID}]
	return ok, nil
}

func (m memEnrollments) Subscribe(_ context.Context, userID, courseID string) (*models.Enrollment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if err := m.db.enrollErr; err != nil {
		m.db.enrollErr = nil
		return nil, err
	}
	if _, ok := m.db.courses[courseID]; !ok {
		return nil, repository.ErrCourseNotFound
	}
	key := [2]string{userID, courseID}
	if _, ok := m.db.enrollments[key]; ok {
		return nil, repository.ErrAlreadyEnrolled
	}
	e := models.Enrollment{ID: m.db.nextID("enr"), UserID: userID, CourseID: courseID, CreatedAt: time.Now().Add(time.Duration(m.db.seq))}
	m.db.enrollments[key] = e
	return &e, nil
}

func (m memEnrollments) Unsubscribe(_ context.Context, userID, courseID string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	key := [2]string{userID, courseID}
	if _, ok := m.db.enrollments[key]; !ok {
		return repository.ErrNotEnrolled
	}
	delete(m.db.enrollments, key)
	return nil
}

func (m memEnrollments) Toggle(_ context.Context, userID, courseID string) (models.ToggleResult, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.courses[courseID]; !ok {
		return models.ToggleResult{}, repository.ErrCourseNotFound
	}
	key := [2]string{userID, courseID}
	if _, ok := m.db.enrollments[key]; ok {
		delete(m.db.enrollments, key)
		return models.ToggleResult{Subscribed: false}, nil
	}
	e := models.Enrollment{ID: m.db.nextID("enr"), UserID: userID, CourseID: courseID, CreatedAt: time.Now()}
	m.db.enrollments[key] = e
	return models.ToggleResult{Subscribed: true, Enrollment: &e}, nil
}

func (m memEnrollments) ListCourseIDsByUser(_ context.Context, userID string) ([]string, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var list []models.Enrollment
	for k, e := range m.db.enrollments {
		if k[0] == userID {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	ids := []string{}
	for _, e := range list {
		ids = append(ids, e.CourseID)
	}
	return ids, nil
}

func (m memEnrollments) ListMembers(_ context.Context, courseID string) ([]models.CourseMember, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	members := []models.CourseMember{}
	for k, e := range m.db.enrollments {
		if k[1] != courseID {
			continue
		}
		u := m.db.users[k[0]]
		members = append(members, models.CourseMember{UserID: u.ID, Username: u.Username, Email: u.Email, SubscribedAt: e.CreatedAt})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Username < members[j].Username })
	return members, nil
}

type memCourses struct{ db *memDB }

func (m memCourses) FindByID(_ context.Context, id string) (*models.Course, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.courses[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (m memCourses) sorted(filter func(*models.Course) bool) []models.Course {
	out := []models.Course{}
	for _, c := range m.db.courses {
		if filter(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weekday != out[j].Weekday {
			return out[i].Weekday < out[j].Weekday
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (m memCourses) List(_ context.Context, f models.CourseFilter) ([]models.Course, int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	all := m.sorted(func(c *models.Course) bool {
		if f.Search != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(f.Search)) {
			return false
		}
		if f.TeacherID != "" && c.TeacherID != f.TeacherID {
			return false
		}
		return f.Weekday == nil || c.Weekday == *f.Weekday
	})
	return all, len(all), nil
}

func (m memCourses) ListAll(_ context.Context) ([]models.Course, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.sorted(func(*models.Course) bool { return true }), nil
}

func (m memCourses) ListByEnrollee(_ context.Context, userID string) ([]models.Course, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.sorted(func(c *models.Course) bool {
		_, ok := m.db.enrollments[[2]string{userID, c.ID}]
		return ok
	}), nil
}

func (m memCourses) Create(_ context.Context, c *models.Course) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if c.ID == "" {
		c.ID = m.db.nextID("course")
	}
	cp := *c
	m.db.courses[c.ID] = &cp
	return nil
}

func (m memCourses) Update(_ context.Context, c *models.Course) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.courses[c.ID]; !ok {
		return sql.ErrNoRows
	}
	cp := *c
	m.db.courses[c.ID] = &cp
	return nil
}

func (m memCourses) DeleteCascade(_ context.Context, id string) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.courses[id]; !ok {
		return 0, repository.ErrCourseNotFound
	}
	var removed int64
	for k := range m.db.enrollments {
		if k[1] == id {
			delete(m.db.enrollments, k)
			removed++
		}
	}
	delete(m.db.courses, id)
	return removed, nil
}

type memUsers struct{ db *memDB }

func (m memUsers) find(match func(*models.User) bool) (*models.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, u := range m.db.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memUsers) FindByID(_ context.Context, id string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.ID == id })
}

func (m memUsers) FindByEmail(_ context.Context, email string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return strings.EqualFold(u.Email, email) })
}

func (m memUsers) FindByUsername(_ context.Context, username string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.Username == username })
}

func (m memUsers) ExistsByUsername(_ context.Context, username, excludeID string) (bool, error) {
	_, err := m.find(func(u *models.User) bool { return u.Username == username && u.ID != excludeID })
	return err == nil, nil
}

func (m memUsers) ExistsByEmail(_ context.Context, email, excludeID string) (bool, error) {
	_, err := m.find(func(u *models.User) bool { return strings.EqualFold(u.Email, email) && u.ID != excludeID })
	return err == nil, nil
}

func (m memUsers) ListByRole(_ context.Context, role models.UserRole) ([]models.UserInfo, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := []models.UserInfo{}
	for _, u := range m.db.users {
		if u.Role == role {
			out = append(out, u.Info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m memUsers) Create(_ context.Context, u *models.User) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, existing := range m.db.users {
		if existing.Username == u.Username || strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("create user: %w", repository.ErrUniqueViolation)
		}
	}
	if u.ID == "" {
		u.ID = m.db.nextID("user")
	}
	if u.Role == "" {
		u.Role = models.RoleClient
	}
	u.Email = strings.ToLower(u.Email)
	cp := *u
	m.db.users[u.ID] = &cp
	return nil
}

func (m memUsers) UpdateProfile(_ context.Context, u *models.User) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	stored, ok := m.db.users[u.ID]
	if !ok {
		return sql.ErrNoRows
	}
	stored.Username, stored.Email = u.Username, strings.ToLower(u.Email)
	return nil
}

func (m memUsers) UpdateRole(_ context.Context, id string, role models.UserRole) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	stored, ok := m.db.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	stored.Role = role
	return nil
}

type memTokens struct{ db *memDB }

func (m memTokens) Create(_ context.Context, t *models.RefreshToken) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if t.ID == "" {
		t.ID = m.db.nextID("rt")
	}
	cp := *t
	m.db.tokens[t.Token] = &cp
	return nil
}

func (m memTokens) FindByToken(_ context.Context, token string) (*models.RefreshToken, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	t, ok := m.db.tokens[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (m memTokens) Revoke(_ context.Context, id string, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, t := range m.db.tokens {
		if t.ID == id {
			t.Revoked, t.RevokedAt = true, &at
		}
	}
	return nil
}

func (m memTokens) RevokeAllForUser(_ context.Context, userID string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	now := time.Now()
	for _, t := range m.db.tokens {
		if t.UserID == userID {
			t.Revoked, t.RevokedAt = true, &now
		}
	}
	return nil
}

type memAudit struct{ db *memDB }

func (m memAudit) Create(_ context.Context, entry *models.AuditLog) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.audits = append(m.db.audits, *entry)
	return nil
}

func (db *memDB) auditActions() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.audits))
	for _, a := range db.audits {
		out = append(out, a.Action)
	}
	return out
}

type memCache struct{ db *memDB }

func (m memCache) Get(_ context.Context, key string, dest interface{}) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	raw, ok := m.db.cache[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m memCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.cache[key] = raw
	return nil
}

func (m memCache) Delete(_ context.Context, keys ...string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, k := range keys {
		delete(m.db.cache, k)
	}
	return nil
}

func (m memCache) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.locks[key] {
		return false, nil
	}
	m.db.locks[key] = true
	return true, nil
}

func (db *memDB) cached(key string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.cache[key]
	return ok
}

// counterValue reads a counter from the registry, returning 0 when absent.
func counterValue(reg *prometheus.Registry, name string, labels map[string]string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return 0
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

type memExports struct{ db *memDB }

func (m memExports) Create(_ context.Context, job *models.RosterExport) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	cp := *job
	m.db.exports[job.ID] = &cp
	return nil
}

func (m memExports) FindByID(_ context.Context, id string) (*models.RosterExport, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	job, ok := m.db.exports[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *job
	return &cp, nil
}

func (m memExports) update(id string, fn func(*models.RosterExport)) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	job, ok := m.db.exports[id]
	if !ok {
		return sql.ErrNoRows
	}
	fn(job)
	return nil
}

func (m memExports) MarkProcessing(_ context.Context, id string) error {
	return m.update(id, func(j *models.RosterExport) { j.Status = models.ExportStatusProcessing })
}

func (m memExports) MarkFinished(_ context.Context, id, filePath, resultURL string, at time.Time) error {
	return m.update(id, func(j *models.RosterExport) {
		j.Status, j.FilePath, j.ResultURL, j.FinishedAt = models.ExportStatusFinished, &filePath, &resultURL, &at
	})
}

func (m memExports) MarkFailed(_ context.Context, id, message string, at time.Time) error {
	return m.update(id, func(j *models.RosterExport) {
		j.Status, j.ErrorMessage, j.FinishedAt = models.ExportStatusFailed, &message, &at
	})
}

func (m memExports) ExpireFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var n int64
	for _, j := range m.db.exports {
		if j.Status == models.ExportStatusFinished && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) && j.ResultURL != nil {
			j.ResultURL, j.FilePath = nil, nil
			n++
		}
	}
	return n, nil
}

func (db *memDB) export(id string) models.RosterExport {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.exports[id]
}
