package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"companion-backend/internal/models"
	"companion-backend/internal/repository"
)

type CompanionService struct {
	companions *repository.CompanionRepo
	sessions   *repository.SessionRepo
	progress   *repository.ProgressRepo
	curriculum *CurriculumGenerator
}

func NewCompanionService(companions *repository.CompanionRepo, sessions *repository.SessionRepo, progress *repository.ProgressRepo, curriculum *CurriculumGenerator) *CompanionService {
	return &CompanionService{
		companions: companions,
		sessions:   sessions,
		progress:   progress,
		curriculum: curriculum,
	}
}

// Create stores a new companion. A curriculum is generated when the request
// does not carry one.
func (s *CompanionService) Create(ctx context.Context, userID uuid.UUID, req models.CreateCompanionRequest) (*models.Companion, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Subject = strings.TrimSpace(req.Subject)
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Name == "" || req.Subject == "" || req.Topic == "" {
		return nil, ErrInvalidCompanion
	}

	style := strings.ToLower(strings.TrimSpace(req.Style))
	if style != models.StyleCasual {
		style = models.StyleFormal
	}

	curriculum := req.Curriculum
	if len(curriculum) == 0 {
		curriculum = s.curriculum.Generate(ctx, req.Subject, req.Topic)
	}

	c := &models.Companion{
		Name:       req.Name,
		Subject:    req.Subject,
		Topic:      req.Topic,
		Style:      style,
		CreatedBy:  userID,
		Curriculum: curriculum,
	}
	if err := s.companions.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CompanionService) Get(ctx context.Context, id string) (*models.Companion, error) {
	c, err := s.companions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCompanionNotFound
	}
	return c, nil
}

func (s *CompanionService) List(ctx context.Context, userID uuid.UUID) ([]models.Companion, error) {
	return s.companions.ListByCreator(ctx, userID)
}

// ModuleSessions reports, per curriculum module, whether the user already
// has a session to continue and whether the module can be opened.
func (s *CompanionService) ModuleSessions(ctx context.Context, userID uuid.UUID, companionID string) ([]models.ModuleSessionInfo, error) {
	c, err := s.Get(ctx, companionID)
	if err != nil {
		return nil, err
	}

	sessions, err := s.sessions.ListByCompanion(ctx, userID, companionID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	stored, err := s.progress.Get(ctx, userID, companionID)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	var modules []models.ModuleProgress
	if stored != nil {
		modules = stored.Modules
	}
	prog := NewProgression(c.Curriculum, modules, nil)

	// most recently accessed session per module
	latest := make(map[int]models.Session)
	for _, sess := range sessions {
		if prev, ok := latest[sess.ModuleID]; !ok || sess.LastAccessedAt.After(prev.LastAccessedAt) {
			latest[sess.ModuleID] = sess
		}
	}

	out := make([]models.ModuleSessionInfo, 0, len(c.Curriculum))
	for _, m := range c.Curriculum {
		info := models.ModuleSessionInfo{
			ModuleID:  m.ID,
			Unlocked:  prog.IsUnlocked(m.ID),
			Completed: prog.Status(m.ID) == ModuleCompleted,
		}
		if sess, ok := latest[m.ID]; ok {
			at := sess.LastAccessedAt
			info.HasSession = true
			info.SessionID = sess.ID
			info.MessageCount = len(sess.Transcript)
			info.LastAccessedAt = &at
		}
		out = append(out, info)
	}
	return out, nil
}
