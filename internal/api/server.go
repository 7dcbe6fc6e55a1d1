package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/llgbridge/internal/constraint"
	"github.com/samcharles93/llgbridge/internal/logger"
)

type Server struct {
	store  *SessionStore
	config *constraint.Config
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(store *SessionStore, config *constraint.Config, log logger.Logger) *Server {
	if store == nil {
		store = NewSessionStore()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		store:  store,
		config: config,
		log:    log,
		clock:  time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/tokenizer", s.handleTokenizer)

	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/mask", s.handleComputeMask)
	e.POST("/v1/sessions/:id/advance", s.handleAdvance)
	e.GET("/v1/sessions/:id/logs", s.handleLogs)
	e.GET("/v1/sessions/:id/progress", s.handleProgress)
}

func (s *Server) handleTokenizer(c *echo.Context) error {
	if s.config == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "tokenizer not configured", "", "")
	}
	trie := s.config.Env().Trie()
	out := TokenizerSummary{
		Object:      "tokenizer",
		VocabSize:   trie.VocabSize(),
		MaxTokenLen: trie.MaxTokenLen(),
		TrieNodes:   trie.NumNodes(),
	}
	if eos, ok := trie.EOS(); ok {
		v := int64(eos)
		out.EOS = &v
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	if s.config == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "tokenizer not configured", "", "")
	}
	req, err := decodeJSON[CreateSessionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	prompt, err := s.resolvePrompt(&req)
	if err != nil {
		return writeSessionError(c, err)
	}

	sess, err := s.config.NewSession(req.Grammar)
	if err != nil {
		return writeSessionError(c, err)
	}
	primed, err := sess.PrimePrompt(prompt)
	if err != nil {
		sess.Close()
		return writeSessionError(c, err)
	}
	id := s.store.Add(sess, s.clock())
	s.log.Debug("session created", "id", id, "prompt_tokens", len(primed))

	if primed == nil {
		primed = []uint32{}
	}
	return c.JSON(http.StatusOK, CreateSessionResponse{
		ID:     id,
		Object: "session",
		Prompt: primed,
	})
}

func (s *Server) resolvePrompt(req *CreateSessionRequest) ([]uint32, error) {
	if len(req.Grammar) == 0 {
		return nil, newInvalidRequest("grammar is required")
	}
	if len(req.Prompt) > 0 && req.PromptText != "" {
		return nil, newInvalidRequest("prompt and prompt_text are mutually exclusive")
	}
	if req.PromptText != "" {
		toks, err := s.config.Env().TokenizePrompt(req.PromptText)
		if err != nil {
			return nil, newInvalidRequest(fmt.Sprintf("prompt_text: %v", err))
		}
		return toks, nil
	}
	vocab := s.config.Env().Trie().VocabSize()
	for i, tok := range req.Prompt {
		if int(tok) >= vocab {
			return nil, newInvalidRequest(fmt.Sprintf("prompt[%d]: token %d outside vocabulary of %d", i, tok, vocab))
		}
	}
	return req.Prompt, nil
}

func (s *Server) handleGetSession(c *echo.Context) error {
	id := c.Param("id")
	var out SessionSummary
	ok, _ := s.store.with(id, func(e *sessionEntry) error {
		out = SessionSummary{
			ID:          e.id,
			Object:      "session",
			CreatedAt:   e.createdAt.Unix(),
			State:       e.session.State(),
			Temperature: e.session.Temperature(),
		}
		if err := e.session.Err(); err != nil {
			out.Error = err.Error()
		}
		return nil
	})
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "session",
		"deleted": true,
	})
}

func (s *Server) handleComputeMask(c *echo.Context) error {
	id := c.Param("id")
	var out MaskResponse
	ok, err := s.store.with(id, func(e *sessionEntry) error {
		res, err := e.session.ComputeMask()
		if err != nil {
			return err
		}
		out = MaskResponse{
			Stop:        res.Stop,
			Temperature: e.session.Temperature(),
		}
		if res.Mask != nil {
			out.Mask = res.Mask.Words()
			out.Allowed = res.Mask.Count()
		}
		return nil
	})
	if !ok {
		return writeNotFound(c, "session not found")
	}
	if err != nil {
		return writeSessionError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleAdvance(c *echo.Context) error {
	id := c.Param("id")
	req, err := decodeJSON[AdvanceRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Token == nil {
		return writeBadRequest(c, "token is required")
	}

	var out AdvanceResponse
	ok, err := s.store.with(id, func(e *sessionEntry) error {
		res, err := e.session.Advance(*req.Token)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if !ok {
		return writeNotFound(c, "session not found")
	}
	if err != nil {
		return writeSessionError(c, err)
	}
	if out.Tokens == nil {
		out.Tokens = []uint32{}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleLogs(c *echo.Context) error {
	id := c.Param("id")
	var out LogsResponse
	ok, _ := s.store.with(id, func(e *sessionEntry) error {
		out.Logs = e.session.DrainLogs()
		return nil
	})
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleProgress(c *echo.Context) error {
	id := c.Param("id")
	out := ProgressResponse{Object: "list"}
	ok, _ := s.store.with(id, func(e *sessionEntry) error {
		out.Data = e.session.TakeProgress()
		return nil
	})
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, out)
}
