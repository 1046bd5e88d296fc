package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rocketopp/ignition/internal/catalog"
	"github.com/rocketopp/ignition/internal/manifest"
	"github.com/rocketopp/ignition/internal/pack"
)

type installRequest struct {
	SkillID     string                 `json:"skill_id"`
	SourceURL   string                 `json:"source_url"`
	Config      map[string]interface{} `json:"config"`
	AutoInstall *bool                  `json:"auto_install"`
}

func (h *Handler) installSkill(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess := session(r)

	switch {
	case req.SkillID != "":
		inst, err := h.installs.Install(r.Context(), sess.UserID, req.SkillID, req.Config)
		if err != nil {
			h.writeErr(w, err)
			return
		}
		writeOK(w, http.StatusCreated, map[string]interface{}{"installation": inst})
	case req.SourceURL != "":
		result, err := h.packs.Import(r.Context(), pack.Source{URL: req.SourceURL}, sess.UserID, true, req.Config)
		if err != nil {
			h.writeErr(w, err)
			return
		}
		writeOK(w, http.StatusCreated, map[string]interface{}{
			"skill":        result.Skill,
			"installation": result.Installation,
			"warnings":     result.Warnings,
		})
	default:
		writeFail(w, http.StatusBadRequest, "skill_id or source_url is required")
	}
}

func (h *Handler) listInstalled(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	insts, err := h.installs.ListForUser(r.Context(), sess.UserID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"installations": insts})
}

func (h *Handler) getInstallation(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	inst, err := h.installs.Get(r.Context(), sess.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	skill, err := h.installs.Skill(r.Context(), inst)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	onboarding := manifest.ComputeOnboarding(skill.Manifest, inst.Config)
	writeOK(w, http.StatusOK, map[string]interface{}{
		"installation": inst,
		"skill":        skill,
		"onboarding":   onboarding,
	})
}

func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config map[string]interface{} `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Config) == 0 {
		writeFail(w, http.StatusBadRequest, "config is required")
		return
	}
	sess := session(r)
	inst, issues, err := h.installs.UpdateConfig(r.Context(), sess.UserID, chi.URLParam(r, "id"), req.Config)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if manifest.HasErrors(issues) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"errors":  manifest.Errors(issues),
		})
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"installation": inst})
}

func (h *Handler) uninstallSkill(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	if err := h.installs.Uninstall(r.Context(), sess.UserID, chi.URLParam(r, "id")); err != nil {
		h.writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"status": "uninstalled"})
}

type executeRequest struct {
	Action string                 `json:"action,omitempty"` // pause | resume | empty for run
	Input  map[string]interface{} `json:"input,omitempty"`
}

func (h *Handler) executeSkill(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFail(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	sess := session(r)
	id := chi.URLParam(r, "id")

	switch req.Action {
	case "pause":
		inst, err := h.installs.Pause(r.Context(), sess.UserID, id)
		if err != nil {
			h.writeErr(w, err)
			return
		}
		writeOK(w, http.StatusOK, map[string]interface{}{"installation": inst})
		return
	case "resume":
		inst, err := h.installs.Resume(r.Context(), sess.UserID, id)
		if err != nil {
			h.writeErr(w, err)
			return
		}
		writeOK(w, http.StatusOK, map[string]interface{}{"installation": inst})
		return
	case "":
	default:
		writeFail(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	inst, err := h.installs.Get(r.Context(), sess.UserID, id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	skill, err := h.installs.Skill(r.Context(), inst)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	run, err := h.engine.Execute(r.Context(), inst, skill, req.Input, nil)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	payload := map[string]interface{}{
		"success": run.Success,
		"run":     run,
	}
	if !run.Success {
		payload["error"] = run.Error
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) getOnboarding(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	status, err := h.installs.OnboardingStatus(r.Context(), sess.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"onboarding": status})
}

func (h *Handler) saveOnboarding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Data) == 0 {
		writeFail(w, http.StatusBadRequest, "data is required")
		return
	}
	sess := session(r)
	inst, issues, err := h.installs.SaveOnboarding(r.Context(), sess.UserID, chi.URLParam(r, "id"), req.Data)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if manifest.HasErrors(issues) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"errors":  manifest.Errors(issues),
		})
		return
	}
	skill, err := h.installs.Skill(r.Context(), inst)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{
		"installation": inst,
		"onboarding":   manifest.ComputeOnboarding(skill.Manifest, inst.Config),
	})
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	inst, err := h.installs.Get(r.Context(), sess.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.logs.ListLogs(r.Context(), inst.ID, limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (h *Handler) checkRevert(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	check, err := h.rollback.CanRevert(r.Context(), sess.UserID, chi.URLParam(r, "logID"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{
		"can_revert": check.CanRevert,
		"reason":     check.Reason,
	})
}

func (h *Handler) revertLog(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	if err := h.rollback.Revert(r.Context(), sess.UserID, chi.URLParam(r, "logID")); err != nil {
		h.writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"reverted": true})
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]interface{}{"templates": pack.ListTemplates()})
}

type createRequest struct {
	TemplateID  string            `json:"template_id"`
	Variables   map[string]string `json:"variables"`
	Preview     bool              `json:"preview"`
	AutoInstall bool              `json:"auto_install"`
}

func (h *Handler) createFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TemplateID == "" {
		writeFail(w, http.StatusBadRequest, "template_id is required")
		return
	}

	if req.Preview {
		pv, err := h.packs.PreviewFromTemplate(req.TemplateID, req.Variables)
		if err != nil {
			writeFail(w, http.StatusBadRequest, err.Error())
			return
		}
		writeOK(w, http.StatusOK, map[string]interface{}{"preview": pv})
		return
	}

	sess := session(r)
	result, err := h.packs.CreateFromTemplate(r.Context(), req.TemplateID, req.Variables, sess.UserID, req.AutoInstall)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]interface{}{
		"skill":        result.Skill,
		"installation": result.Installation,
		"warnings":     result.Warnings,
	})
}

func (h *Handler) previewImport(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeFail(w, http.StatusBadRequest, "url is required")
		return
	}
	pv, err := h.packs.Preview(r.Context(), pack.Source{URL: url})
	if err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"preview": pv})
}

type importRequest struct {
	URL         string                 `json:"url,omitempty"`
	Content     string                 `json:"content,omitempty"`
	AutoInstall bool                   `json:"auto_install"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

func (h *Handler) importSkill(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" && req.Content == "" {
		writeFail(w, http.StatusBadRequest, "url or content is required")
		return
	}
	sess := session(r)
	result, err := h.packs.Import(r.Context(),
		pack.Source{URL: req.URL, Data: []byte(req.Content)},
		sess.UserID, req.AutoInstall, req.Config)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]interface{}{
		"skill":        result.Skill,
		"installation": result.Installation,
		"warnings":     result.Warnings,
	})
}

func (h *Handler) exportSkill(w http.ResponseWriter, r *http.Request) {
	includeReadme := r.URL.Query().Get("readme") == "true"
	pkg, err := h.packs.Export(r.Context(), chi.URLParam(r, "id"), includeReadme)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	if r.URL.Query().Get("download") == "true" {
		data, err := pkg.Encode()
		if err != nil {
			h.writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pkg.Filename()))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"package": pkg})
}

func (h *Handler) browseMarketplace(w http.ResponseWriter, r *http.Request) {
	q := catalog.Query{
		Category: r.URL.Query().Get("category"),
		Search:   r.URL.Query().Get("search"),
	}
	q.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	q.PerPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))

	page, err := h.market.Browse(r.Context(), q)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"marketplace": page})
}
