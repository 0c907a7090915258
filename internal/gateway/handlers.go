package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/foreman/internal/orchestrator"
	"github.com/nextlevelbuilder/foreman/internal/store"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
	defaultUsageDays = 30
	maxUsageDays     = 365
)

// --- projects ---

type projectBody struct {
	Name                string `json:"name"`
	Description         string `json:"description"`
	Color               string `json:"color"`
	Status              string `json:"status"`
	AgentTimeoutMinutes int    `json:"agent_timeout_minutes"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body projectBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeErr(w, http.StatusBadRequest, "name is required")
		return
	}
	p := &store.Project{
		Name:                strings.TrimSpace(body.Name),
		Description:         body.Description,
		Color:               body.Color,
		AgentTimeoutMinutes: body.AgentTimeoutMinutes,
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	status := store.ProjectStatus(r.URL.Query().Get("status"))
	projects, err := s.store.ListProjects(r.Context(), status)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	var body projectBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Name != "" {
		p.Name = strings.TrimSpace(body.Name)
	}
	if body.Description != "" {
		p.Description = body.Description
	}
	if body.Color != "" {
		p.Color = body.Color
	}
	if body.Status != "" {
		switch store.ProjectStatus(body.Status) {
		case store.ProjectActive, store.ProjectPaused, store.ProjectArchived:
			p.Status = store.ProjectStatus(body.Status)
		default:
			writeErr(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if body.AgentTimeoutMinutes > 0 {
		p.AgentTimeoutMinutes = body.AgentTimeoutMinutes
	}
	if err := s.store.UpdateProject(r.Context(), p); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(r.Context(), r.PathValue("id")); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleProjectAudit(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", defaultPageLimit, 1, maxPageLimit)
	entries, err := s.store.ListAuditForProject(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, entries)
}

func (s *Server) handleProjectUsage(w http.ResponseWriter, r *http.Request) {
	days := clampQueryInt(r, "days", defaultUsageDays, 1, maxUsageDays)
	summary, err := s.store.SummarizeUsage(r.Context(), r.PathValue("id"), days)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, summary)
}

// --- cards ---

type cardBody struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Labels             []string `json:"labels"`
	Priority           *int     `json:"priority"`
	VerificationStatus string   `json:"verification_status"`
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var body cardBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		writeErr(w, http.StatusBadRequest, "title is required")
		return
	}
	priority := 100
	if body.Priority != nil {
		priority = *body.Priority
	}
	card, err := s.queue.CreateCard(r.Context(), r.PathValue("id"), strings.TrimSpace(body.Title), body.Description, body.Labels, priority)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusCreated, card)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	column := store.Column(r.URL.Query().Get("column"))
	if column == "" {
		cards, err := s.store.ListCards(r.Context(), projectID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeOK(w, http.StatusOK, cards)
		return
	}
	limit := clampQueryInt(r, "limit", defaultPageLimit, 1, maxPageLimit)
	offset := clampQueryInt(r, "offset", 0, 0, 1<<30)
	cards, err := s.store.ListCardsByColumn(r.Context(), projectID, column, limit, offset)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, cards)
}

func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.store.GetCard(r.Context(), r.PathValue("cid"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	var body cardBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Title != "" {
		card.Title = strings.TrimSpace(body.Title)
	}
	if body.Description != "" {
		card.Description = body.Description
	}
	if body.Labels != nil {
		card.Labels = body.Labels
	}
	if body.Priority != nil {
		card.Priority = *body.Priority
	}
	if body.VerificationStatus != "" {
		switch store.VerificationStatus(body.VerificationStatus) {
		case store.VerifyUnverified, store.VerifyBranchPassed, store.VerifyBranchFailed,
			store.VerifyMergePassed, store.VerifyMergeFailed:
			card.VerificationStatus = store.VerificationStatus(body.VerificationStatus)
		default:
			writeErr(w, http.StatusBadRequest, "invalid verification_status")
			return
		}
	}
	if err := s.store.UpdateCard(r.Context(), card); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, card)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCard(r.Context(), r.PathValue("cid")); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleMoveCard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Column   string `json:"column"`
		Position int    `json:"position"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	column := store.Column(body.Column)
	switch column {
	case store.ColumnBacklog, store.ColumnInProgress, store.ColumnDone:
	default:
		writeErr(w, http.StatusBadRequest, "invalid column")
		return
	}
	card, err := s.queue.MoveCard(r.Context(), r.PathValue("cid"), column, body.Position)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, card)
}

func (s *Server) handleSkipCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.queue.SkipToBack(r.Context(), r.PathValue("cid"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, card)
}

func (s *Server) handleCardContext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Snapshot  string `json:"snapshot"`
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.queue.SaveContext(r.Context(), r.PathValue("cid"), body.Snapshot, body.SessionID); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

// --- documents and decisions ---

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type    string `json:"type"`
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Title == "" {
		writeErr(w, http.StatusBadRequest, "title is required")
		return
	}
	doc := &store.ProjectDocument{
		ProjectID: r.PathValue("id"),
		Type:      store.DocumentType(body.Type),
		Title:     body.Title,
		Content:   body.Content,
	}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docType := store.DocumentType(r.URL.Query().Get("type"))
	docs, err := s.store.ListDocuments(r.Context(), r.PathValue("id"), docType)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, docs)
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	var body struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Title != "" {
		doc.Title = body.Title
	}
	doc.Content = body.Content
	if err := s.store.UpdateDocument(r.Context(), doc); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDocument(r.Context(), r.PathValue("id")); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleCreateDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title        string   `json:"title"`
		Reasoning    string   `json:"reasoning"`
		Alternatives []string `json:"alternatives"`
		Tradeoffs    string   `json:"tradeoffs"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Title == "" {
		writeErr(w, http.StatusBadRequest, "title is required")
		return
	}
	d := &store.Decision{
		ProjectID:    r.PathValue("id"),
		Title:        body.Title,
		Reasoning:    body.Reasoning,
		Alternatives: body.Alternatives,
		Tradeoffs:    body.Tradeoffs,
	}
	if err := s.store.CreateDecision(r.Context(), d); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusCreated, d)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", defaultPageLimit, 1, maxPageLimit)
	decisions, err := s.store.ListDecisions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, decisions)
}

// --- operator message log ---

// activeConversation fetches the project's active conversation, opening one
// when none exists.
func (s *Server) activeConversation(r *http.Request, projectID string) (*store.Conversation, error) {
	conv, err := s.store.GetActiveConversation(r.Context(), projectID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	conv = &store.Conversation{ProjectID: projectID}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role     string            `json:"role"`
		Content  string            `json:"content"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeErr(w, http.StatusBadRequest, "content is required")
		return
	}
	projectID := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		writeMapped(w, err)
		return
	}
	conv, err := s.activeConversation(r, projectID)
	if err != nil {
		writeMapped(w, err)
		return
	}
	role := body.Role
	if role == "" {
		role = "operator"
	}
	msg := &store.Message{
		ProjectID:      projectID,
		ConversationID: conv.ID,
		Role:           role,
		Content:        body.Content,
		Metadata:       body.Metadata,
	}
	if err := s.store.InsertMessage(r.Context(), msg); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetActiveConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeOK(w, http.StatusOK, []store.Message{})
			return
		}
		writeMapped(w, err)
		return
	}
	limit := clampQueryInt(r, "limit", 200, 1, maxPageLimit)
	msgs, err := s.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, msgs)
}

func (s *Server) handleArchiveConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Summary string `json:"summary"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	conv, err := s.store.GetActiveConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	if err := s.store.ArchiveConversation(r.Context(), conv.ID, body.Summary); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

// --- agents ---

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CardID    string `json:"card_id"`
		ProjectID string `json:"project_id"`
		Agent     string `json:"agent"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.CardID == "" || body.ProjectID == "" {
		writeErr(w, http.StatusBadRequest, "card_id and project_id are required")
		return
	}
	agent := store.AgentKind(body.Agent)
	if agent == "" {
		agent = store.AgentKind(s.cfg.Agents.DefaultAgent)
	}
	switch agent {
	case store.AgentClaude, store.AgentCodex, store.AgentGemini:
	default:
		writeErr(w, http.StatusBadRequest, "invalid agent")
		return
	}
	// The working directory is always the configured workspace; it is never
	// taken from the request.
	proc, err := s.agents.SpawnAgent(r.Context(), orchestrator.SpawnRequest{
		CardID:    body.CardID,
		ProjectID: body.ProjectID,
		Agent:     agent,
		Cwd:       s.cfg.Workspace.Path,
	})
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusCreated, proc)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, s.agents.GetRunningAgents())
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.StopAgent(r.PathValue("cid")); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", defaultPageLimit, 1, maxPageLimit)
	logs, err := s.agents.GetAgentLogs(r.PathValue("cid"), limit)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, logs)
}

// --- heartbeat, search, steering ---

func (s *Server) handleSubmitBrief(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"project_id"`
		Text      string `json:"text"`
		Immediate bool   `json:"immediate"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeErr(w, http.StatusBadRequest, "text is required")
		return
	}
	if body.ProjectID == "" {
		writeErr(w, http.StatusBadRequest, "project_id is required")
		return
	}
	card, err := s.briefs.SubmitTaskBrief(r.Context(), body.ProjectID, body.Text, body.Immediate)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusCreated, card)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeErr(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := clampQueryInt(r, "limit", 20, 1, maxPageLimit)
	hits, err := s.store.SearchFullText(r.Context(), query, limit)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, hits)
}

func (s *Server) handleCreateCorrection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"project_id"`
		Domain    string `json:"domain"`
		Text      string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeErr(w, http.StatusBadRequest, "text is required")
		return
	}
	c := &store.SteeringCorrection{ProjectID: body.ProjectID, Domain: body.Domain, Text: body.Text}
	if err := s.store.CreateCorrection(r.Context(), c); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusCreated, c)
}

func (s *Server) handleListCorrections(w http.ResponseWriter, r *http.Request) {
	corrections, err := s.store.ListCorrections(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, corrections)
}

func (s *Server) handleSetCorrectionActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.store.SetCorrectionActive(r.Context(), r.PathValue("id"), body.Active); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteCorrection(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCorrection(r.Context(), r.PathValue("id")); err != nil {
		writeMapped(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}
