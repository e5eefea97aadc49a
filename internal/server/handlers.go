package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/protection"
	"github.com/runnerr0/bounceguard/internal/purge"
	"github.com/runnerr0/bounceguard/internal/storage"
)

type entryJSON struct {
	SiteHost        string    `json:"site_host"`
	Time            time.Time `json:"time"`
	UserContextID   uint32    `json:"user_context_id"`
	PrivateBrowsing bool      `json:"private_browsing"`
	Stateful        bool      `json:"stateful,omitempty"`
}

type purgeRecordJSON struct {
	ID              string    `json:"id"`
	SiteHost        string    `json:"site_host"`
	UserContextID   uint32    `json:"user_context_id"`
	PrivateBrowsing bool      `json:"private_browsing"`
	BounceTime      time.Time `json:"bounce_time"`
	PurgeTime       time.Time `json:"purge_time"`
	DryRun          bool      `json:"dry_run,omitempty"`
	Error           string    `json:"error,omitempty"`
}

type purgeReportJSON struct {
	ExpiredActivations int               `json:"expired_activations"`
	Legitimized        int               `json:"legitimized"`
	Excepted           int               `json:"excepted"`
	Waiting            int               `json:"waiting"`
	Purged             []purgeRecordJSON `json:"purged"`
	Failed             []purgeRecordJSON `json:"failed"`
}

type exceptionRequest struct {
	Reason string `json:"reason"`
}

func toEntriesJSON(entries []ledger.Entry) []entryJSON {
	out := make([]entryJSON, len(entries))
	for i, e := range entries {
		out[i] = entryJSON{
			SiteHost:        e.SiteHost,
			Time:            e.Time.UTC(),
			UserContextID:   e.Partition.UserContextID,
			PrivateBrowsing: e.Partition.PrivateBrowsing,
			Stateful:        e.Stateful,
		}
	}
	return out
}

func toRecordsJSON(recs []storage.PurgeRecord) []purgeRecordJSON {
	out := make([]purgeRecordJSON, len(recs))
	for i, r := range recs {
		out[i] = purgeRecordJSON{
			ID:              r.ID,
			SiteHost:        r.SiteHost,
			UserContextID:   r.Partition.UserContextID,
			PrivateBrowsing: r.Partition.PrivateBrowsing,
			BounceTime:      r.BounceTime.UTC(),
			PurgeTime:       r.PurgeTime.UTC(),
			DryRun:          r.DryRun,
			Error:           r.Error,
		}
	}
	return out
}

// filterFromQuery reads the optional user_context_id and private_browsing
// query parameters.
func filterFromQuery(c *gin.Context) (ledger.Filter, error) {
	var f ledger.Filter
	if v := c.Query("user_context_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return f, fmt.Errorf("invalid user_context_id %q", v)
		}
		uc := uint32(n)
		f.UserContextID = &uc
	}
	if v := c.Query("private_browsing"); v != "" {
		pb, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid private_browsing %q", v)
		}
		f.PrivateBrowsing = &pb
	}
	return f, nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// bindJSON decodes the request body into v, answering 413 or 400 itself
// when that fails.
func bindJSON(c *gin.Context, v any) bool {
	err := c.ShouldBindJSON(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return false
	}
	badRequest(c, err)
	return false
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mode":   string(s.svc.Mode()),
	})
}

func (s *Server) handleNavigation(c *gin.Context) {
	var ev protection.NavigationEvent
	if !bindJSON(c, &ev) {
		return
	}
	if err := s.svc.OnNavigationEvent(ev); err != nil {
		if errors.Is(err, protection.ErrInvalidEvent) {
			badRequest(c, err)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleActivation(c *gin.Context) {
	var ev protection.PageEvent
	if !bindJSON(c, &ev) {
		return
	}
	s.svc.OnUserActivation(ev)
	c.Status(http.StatusAccepted)
}

func (s *Server) handleStorageAccess(c *gin.Context) {
	var ev protection.PageEvent
	if !bindJSON(c, &ev) {
		return
	}
	if ev.TabID == "" {
		badRequest(c, fmt.Errorf("%w: missing tab_id", protection.ErrInvalidEvent))
		return
	}
	s.svc.OnStorageAccess(ev)
	c.Status(http.StatusAccepted)
}

func (s *Server) handleCloseTab(c *gin.Context) {
	s.svc.CloseTab(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCandidates(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": toEntriesJSON(s.svc.Candidates(f))})
}

func (s *Server) handleActivations(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activations": toEntriesJSON(s.svc.Activations(f))})
}

func (s *Server) handlePurged(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": toRecordsJSON(s.svc.RecentlyPurged(f))})
}

func (s *Server) handlePurge(c *gin.Context) {
	report, err := s.svc.RunPurge(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, purge.ErrPurgeInProgress) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, purgeReportJSON{
		ExpiredActivations: report.ExpiredActivations,
		Legitimized:        report.Legitimized,
		Excepted:           report.Excepted,
		Waiting:            report.Waiting,
		Purged:             toRecordsJSON(report.Purged),
		Failed:             toRecordsJSON(report.Failed),
	})
}

// handleClear clears by site_host, else by from/to (RFC 3339), else by
// partition; with no parameters it clears everything.
func (s *Server) handleClear(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	host, from, to := c.Query("site_host"), c.Query("from"), c.Query("to")

	switch {
	case host != "":
		err = s.svc.ClearBySiteHost(ctx, host, f)
	case from != "" || to != "":
		var start, end time.Time
		if start, err = parseTimeParam("from", from); err != nil {
			badRequest(c, err)
			return
		}
		if end, err = parseTimeParam("to", to); err != nil {
			badRequest(c, err)
			return
		}
		err = s.svc.ClearByTimeRange(ctx, start, end)
	case f.UserContextID != nil || f.PrivateBrowsing != nil:
		err = s.svc.ClearByFilter(ctx, f)
	default:
		err = s.svc.ClearAll(ctx)
	}
	if err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseTimeParam(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: want RFC 3339", name, v)
	}
	return t, nil
}

func (s *Server) handleListExceptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"exceptions": s.svc.Exceptions()})
}

func (s *Server) handleAddException(c *gin.Context) {
	var req exceptionRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	if err := s.svc.AddException(c.Request.Context(), c.Param("host"), req.Reason); err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRemoveException(c *gin.Context) {
	err := s.svc.RemoveException(c.Request.Context(), c.Param("host"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		badRequest(c, err)
	}
}
