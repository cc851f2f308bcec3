package service

import (
	"context"
	"html"
	"strings"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/pkg/config"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
)

const courseIndexUID = "courses"

type courseDocument struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	TeacherID   string `json:"teacher_id"`
	TeacherName string `json:"teacher_name"`
	Weekday     int    `json:"weekday"`
	WeekdayName string `json:"weekday_name"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Location    string `json:"location"`
}

// SearchService feeds the Meilisearch course index and mints tenant tokens
// for client-side search. A nil client disables every operation.
type SearchService struct {
	client    meilisearch.ServiceManager
	cfg       config.SearchConfig
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
	now       func() time.Time
}

func NewSearchService(client meilisearch.ServiceManager, cfg config.SearchConfig, logger *zap.Logger) *SearchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &SearchService{
		client:    client,
		cfg:       cfg,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
		now:       time.Now,
	}
}

func (s *SearchService) Enabled() bool {
	return s != nil && s.client != nil
}

// Configure declares the filterable and sortable attributes of the course index.
func (s *SearchService) Configure() {
	if !s.Enabled() {
		return
	}
	filterable := []interface{}{"teacher_id", "weekday"}
	if _, err := s.client.Index(courseIndexUID).UpdateFilterableAttributes(&filterable); err != nil {
		s.logger.Warn("failed to update course filterable attributes", zap.Error(err))
	}
	sortable := []string{"weekday", "start_time"}
	if _, err := s.client.Index(courseIndexUID).UpdateSortableAttributes(&sortable); err != nil {
		s.logger.Warn("failed to update course sortable attributes", zap.Error(err))
	}
}

// IndexCourses upserts documents for courses.
func (s *SearchService) IndexCourses(_ context.Context, courses ...models.Course) error {
	if !s.Enabled() || len(courses) == 0 {
		return nil
	}
	docs := make([]courseDocument, 0, len(courses))
	for i := range courses {
		docs = append(docs, s.document(&courses[i]))
	}
	primaryKey := "id"
	task, err := s.client.Index(courseIndexUID).AddDocuments(docs, &primaryKey)
	if err != nil {
		return err
	}
	s.logger.Debug("course documents queued", zap.Int("count", len(docs)), zap.Any("task_uid", task.TaskUID))
	return nil
}

func (s *SearchService) RemoveCourse(_ context.Context, id string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.client.Index(courseIndexUID).DeleteDocument(id)
	return err
}

// TenantToken returns a short-lived token restricted to searching the course index.
func (s *SearchService) TenantToken(actor *models.User) (*models.SearchToken, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if !s.Enabled() {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "search is not enabled")
	}
	if s.cfg.SearchKeyID == "" || s.cfg.SearchKey == "" {
		return nil, appErrors.New(appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "search signing key is not configured")
	}

	expiresAt := s.now().Add(s.cfg.TokenTTL)
	rules := map[string]interface{}{courseIndexUID: map[string]interface{}{}}
	token, err := s.client.GenerateTenantToken(s.cfg.SearchKeyID, rules, &meilisearch.TenantTokenOptions{
		APIKey:    s.cfg.SearchKey,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, appErrors.Internal(err, "failed to generate search token")
	}
	return &models.SearchToken{Token: token, Index: courseIndexUID, Host: s.cfg.Host, ExpiresAt: expiresAt}, nil
}

func (s *SearchService) document(c *models.Course) courseDocument {
	return courseDocument{
		ID:          c.ID,
		Name:        c.Name,
		Description: s.plainText(c.Description),
		TeacherID:   c.TeacherID,
		TeacherName: c.TeacherName,
		Weekday:     int(c.Weekday),
		WeekdayName: c.Weekday.String(),
		StartTime:   c.StartTime,
		EndTime:     c.EndTime,
		Location:    c.Location,
	}
}

// plainText strips markup so block boundaries become word boundaries.
func (s *SearchService) plainText(content string) string {
	for _, tag := range []string{"</p>", "<br>", "<br/>", "</div>", "</li>"} {
		content = strings.ReplaceAll(content, tag, " ")
	}
	text := html.UnescapeString(s.sanitizer.Sanitize(content))
	return strings.Join(strings.Fields(text), " ")
}
