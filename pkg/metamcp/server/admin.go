package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/aggregator"
	"github.com/metamcp/metamcp/pkg/metamcp/controlplane"
	"github.com/metamcp/metamcp/pkg/metamcp/installer"
)

// AdminAPI serves the management surface: namespace, server, agent, and
// document mutations, tool refresh, and the optional package installer.
// It is mounted under /api/v1 on the downstream server's router.
type AdminAPI struct {
	cp        *controlplane.Service
	installer *installer.Installer
}

// NewAdminAPI creates the management API over the control-plane service.
// inst may be nil; the install route then responds 404.
func NewAdminAPI(cp *controlplane.Service, inst *installer.Installer) *AdminAPI {
	return &AdminAPI{cp: cp, installer: inst}
}

// Routes builds the admin router.
func (a *AdminAPI) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/namespaces", func(r chi.Router) {
		r.Get("/", a.listNamespaces)
		r.Post("/", a.createNamespace)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getNamespace)
			r.Put("/", a.updateNamespace)
			r.Delete("/", a.deleteNamespace)
			r.Post("/servers", a.addServer)
			r.Put("/servers/{serverId}/status", a.setServerStatus)
			r.Put("/tools/{toolId}/status", a.setToolStatus)
			r.Put("/tools/{toolId}/overrides", a.updateToolOverrides)
			r.Post("/refresh", a.refreshTools)
			r.Get("/agents", a.listAgents)
			r.Post("/agents", a.createAgent)
			r.Put("/ask-agent", a.setAskAgent)
		})
	})

	r.Post("/servers", a.createServer)

	r.Route("/agents/{id}", func(r chi.Router) {
		r.Put("/", a.updateAgent)
		r.Delete("/", a.deleteAgent)
		r.Get("/documents", a.listDocuments)
		r.Post("/documents", a.uploadDocument)
	})
	r.Delete("/documents/{id}", a.deleteDocument)

	if a.installer != nil {
		r.Post("/install", a.install)
	}
	return r
}

// writeError maps domain sentinel errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, metamcp.ErrValidation), errors.Is(err, metamcp.ErrMalformedToolName):
		status = http.StatusBadRequest
	case errors.Is(err, metamcp.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, metamcp.ErrPolicyDenied):
		status = http.StatusForbidden
	case errors.Is(err, metamcp.ErrBudgetExceeded):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("Admin request failed: %v", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode admin response: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// pathUUID parses the named URL parameter as a UUID, writing a 400 on
// failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, "invalid "+name+" parameter", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

type namespaceRequest struct {
	Name                      string     `json:"name"`
	Description               string     `json:"description"`
	UserID                    *string    `json:"userId,omitempty"`
	SmartDiscoveryEnabled     bool       `json:"smartDiscoveryEnabled"`
	SmartDiscoveryDescription string     `json:"smartDiscoveryDescription"`
	PinnedTools               []string   `json:"pinnedTools,omitempty"`
	AskAgentUUID              *uuid.UUID `json:"askAgentUuid,omitempty"`
}

func (req *namespaceRequest) apply(ns *metamcp.Namespace) {
	ns.Name = req.Name
	ns.Description = req.Description
	ns.UserID = req.UserID
	ns.SmartDiscoveryEnabled = req.SmartDiscoveryEnabled
	ns.SmartDiscoveryDescription = req.SmartDiscoveryDescription
	ns.PinnedTools = req.PinnedTools
	ns.AskAgentUUID = req.AskAgentUUID
}

func (a *AdminAPI) createNamespace(w http.ResponseWriter, r *http.Request) {
	var req namespaceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ns := &metamcp.Namespace{}
	req.apply(ns)
	if err := a.cp.CreateNamespace(r.Context(), ns); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ns)
}

func (a *AdminAPI) listNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := a.cp.ListNamespaces(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, namespaces)
}

func (a *AdminAPI) getNamespace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	ns, err := a.cp.GetNamespace(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

func (a *AdminAPI) updateNamespace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req namespaceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ns, err := a.cp.GetNamespace(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	req.apply(ns)
	if err := a.cp.UpdateNamespace(r.Context(), ns); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

func (a *AdminAPI) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := a.cp.DeleteNamespace(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type serverRequest struct {
	Name        string                `json:"name"`
	Transport   metamcp.TransportType `json:"transport"`
	Command     string                `json:"command,omitempty"`
	Args        []string              `json:"args,omitempty"`
	Env         map[string]string     `json:"env,omitempty"`
	URL         string                `json:"url,omitempty"`
	BearerToken string                `json:"bearerToken,omitempty"`
	Headers     map[string]string     `json:"headers,omitempty"`
	UserID      *string               `json:"userId,omitempty"`
}

func (a *AdminAPI) createServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	server := &metamcp.McpServer{
		Name:        req.Name,
		Transport:   req.Transport,
		Command:     req.Command,
		Args:        req.Args,
		Env:         req.Env,
		URL:         req.URL,
		BearerToken: req.BearerToken,
		Headers:     req.Headers,
		UserID:      req.UserID,
	}
	if err := a.cp.CreateServer(r.Context(), server); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, server)
}

type membershipRequest struct {
	ServerUUID uuid.UUID                `json:"serverUuid"`
	Status     metamcp.MembershipStatus `json:"status"`
}

func (a *AdminAPI) addServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req membershipRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := req.Status
	if status == "" {
		status = metamcp.StatusActive
	}
	if err := a.cp.AddServerToNamespace(r.Context(), id, req.ServerUUID, status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusRequest struct {
	Status metamcp.MembershipStatus `json:"status"`
}

func (a *AdminAPI) setServerStatus(w http.ResponseWriter, r *http.Request) {
	nsID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	serverID, ok := pathUUID(w, r, "serverId")
	if !ok {
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.cp.SetServerStatus(r.Context(), nsID, serverID, req.Status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) setToolStatus(w http.ResponseWriter, r *http.Request) {
	nsID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	toolID, ok := pathUUID(w, r, "toolId")
	if !ok {
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.cp.SetToolStatus(r.Context(), nsID, toolID, req.Status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type overridesRequest struct {
	OverrideName        string          `json:"overrideName"`
	OverrideTitle       string          `json:"overrideTitle"`
	OverrideDescription string          `json:"overrideDescription"`
	OverrideAnnotations json.RawMessage `json:"overrideAnnotations,omitempty"`
}

func (a *AdminAPI) updateToolOverrides(w http.ResponseWriter, r *http.Request) {
	nsID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	toolID, ok := pathUUID(w, r, "toolId")
	if !ok {
		return
	}
	var req overridesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := a.cp.UpdateToolOverrides(r.Context(), &metamcp.NamespaceToolMembership{
		NamespaceUUID:       nsID,
		ToolUUID:            toolID,
		OverrideName:        req.OverrideName,
		OverrideTitle:       req.OverrideTitle,
		OverrideDescription: req.OverrideDescription,
		OverrideAnnotations: req.OverrideAnnotations,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type refreshRequest struct {
	Tools []aggregator.RefreshTool `json:"tools"`
}

func (a *AdminAPI) refreshTools(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.cp.RefreshTools(r.Context(), id, req.Tools)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type agentRequest struct {
	Name         string          `json:"name"`
	Enabled      bool            `json:"enabled"`
	Model        string          `json:"model"`
	SystemPrompt string          `json:"systemPrompt"`
	References   json.RawMessage `json:"references,omitempty"`
	AllowedTools []string        `json:"allowedTools,omitempty"`
	DeniedTools  []string        `json:"deniedTools,omitempty"`
	MaxToolCalls int             `json:"maxToolCalls"`
	ExposeLimit  int             `json:"exposeLimit"`
}

func (req *agentRequest) apply(agent *metamcp.NamespaceAgent) {
	agent.Name = req.Name
	agent.Enabled = req.Enabled
	agent.Model = req.Model
	agent.SystemPrompt = req.SystemPrompt
	agent.References = req.References
	agent.AllowedTools = req.AllowedTools
	agent.DeniedTools = req.DeniedTools
	agent.MaxToolCalls = req.MaxToolCalls
	agent.ExposeLimit = req.ExposeLimit
}

func (a *AdminAPI) createAgent(w http.ResponseWriter, r *http.Request) {
	nsID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req agentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	agent := &metamcp.NamespaceAgent{NamespaceUUID: nsID, AgentType: "ask"}
	req.apply(agent)
	if err := a.cp.CreateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (a *AdminAPI) listAgents(w http.ResponseWriter, r *http.Request) {
	nsID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	agents, err := a.cp.ListNamespaceAgents(r.Context(), nsID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (a *AdminAPI) updateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req agentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	agent, err := a.cp.GetAgent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	req.apply(agent)
	if err := a.cp.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *AdminAPI) deleteAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := a.cp.DeleteAgent(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type askAgentRequest struct {
	AgentUUID *uuid.UUID `json:"agentUuid"`
}

func (a *AdminAPI) setAskAgent(w http.ResponseWriter, r *http.Request) {
	nsID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req askAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.cp.SetActiveAskAgent(r.Context(), nsID, req.AgentUUID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type documentRequest struct {
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Content  string `json:"content"`
}

func (a *AdminAPI) uploadDocument(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req documentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	doc := &metamcp.NamespaceAgentDocument{
		AgentUUID: agentID,
		Filename:  req.Filename,
		Mime:      req.Mime,
		Content:   req.Content,
	}
	if err := a.cp.UploadDocument(r.Context(), doc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (a *AdminAPI) listDocuments(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	docs, err := a.cp.ListDocuments(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (a *AdminAPI) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := a.cp.DeleteDocument(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type installRequest struct {
	Manager installer.Manager `json:"manager"`
	Package string            `json:"package"`
	UserID  *string           `json:"userId,omitempty"`
}

func (a *AdminAPI) install(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.installer.Install(r.Context(), req.Manager, req.Package, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "installed"})
}
