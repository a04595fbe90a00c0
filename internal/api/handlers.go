package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codetime-proxy/codetime-proxy/internal/store"
	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSystemInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.SystemInfo)
}

func (s *Server) handleStats(c *gin.Context) {
	if s.opts.Stats == nil {
		writeError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "recorder not running")
		return
	}
	c.JSON(http.StatusOK, s.opts.Stats.Stats())
}

func (s *Server) handleListTransactions(c *gin.Context) {
	if s.opts.Transactions == nil {
		writeError(c, http.StatusServiceUnavailable, "STORE_DISABLED", "relational store is not configured")
		return
	}
	filter, page, err := parseListFilter(c)
	if err != nil {
		writeInvalidArgument(c, err)
		return
	}
	items, err := s.opts.Transactions.List(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("list transactions failed", "err", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", "failed to list transactions")
		return
	}
	hasMore := len(items) > page.Limit
	if hasMore {
		items = items[:page.Limit]
	}
	if items == nil {
		items = []transaction.Transaction{}
	}
	c.JSON(http.StatusOK, PageResponse[transaction.Transaction]{
		Items:   items,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: hasMore,
	})
}

func (s *Server) handleGetTransaction(c *gin.Context) {
	if s.opts.Transactions == nil {
		writeError(c, http.StatusServiceUnavailable, "STORE_DISABLED", "relational store is not configured")
		return
	}
	tx, err := s.opts.Transactions.GetByHash(c.Request.Context(), c.Param("row_hash"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "transaction not found")
		return
	}
	if err != nil {
		s.logger.Error("get transaction failed", "row_hash", c.Param("row_hash"), "err", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", "failed to load transaction")
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) handleCountTransactions(c *gin.Context) {
	if s.opts.Transactions == nil {
		writeError(c, http.StatusServiceUnavailable, "STORE_DISABLED", "relational store is not configured")
		return
	}
	n, err := s.opts.Transactions.Count(c.Request.Context())
	if err != nil {
		s.logger.Error("count transactions failed", "err", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", "failed to count transactions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}
