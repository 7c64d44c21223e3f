// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

// Package api exposes the daemon's local HTTP surface: connection and
// thermal status for dashboards, plus manual speed/light commands.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/loop"
	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

// Commander is the write side of the connection machine used by manual
// commands.
type Commander interface {
	Status() conn.Status
	WriteSpeed(raw byte) error
	WriteLight(p [4]byte) error
}

// Server serves the local HTTP API.
type Server struct {
	app  *fiber.App
	cmd  Commander
	loop *loop.Loop
	log  zerolog.Logger
}

// NewServer wires the routes. The loop handle provides thermal state and
// receives manual-command notes so persistence stays coherent.
func NewServer(cmd Commander, l *loop.Loop, log zerolog.Logger) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			AppName:               "redmagic-cooler",
			DisableStartupMessage: true,
		}),
		cmd:  cmd,
		loop: l,
		log:  log.With().Str("component", "api").Logger(),
	}

	s.app.Get("/api/health", s.handleHealth)
	s.app.Get("/api/status", s.handleStatus)
	s.app.Get("/api/snapshot", s.handleSnapshot)
	s.app.Post("/api/speed", s.handleSpeed)
	s.app.Post("/api/light", s.handleLight)
	s.app.Post("/api/auto", s.handleAuto)
	return s
}

// Listen blocks serving the API until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info().Str("addr", addr).Msg("api listening")
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	st := s.cmd.Status()
	return c.JSON(fiber.Map{
		"state":   st.State.String(),
		"reason":  st.Reason.String(),
		"attempt": st.Attempt,
		"session": st.Session,
		"device": fiber.Map{
			"family":  st.Identity.Family,
			"address": st.Identity.Address,
			"label":   st.Identity.Label,
		},
		"auto":          s.loop.Auto(),
		"applied_speed": s.loop.Applied(),
	})
}

func (s *Server) handleSnapshot(c *fiber.Ctx) error {
	snap := s.loop.Snapshot()
	return c.JSON(fiber.Map{
		"taken":             snap.Taken,
		"readings":          snap.Readings,
		"max_temp":          snap.MaxTemp,
		"max_source":        snap.MaxSource,
		"severity":          snap.Severity.String(),
		"recommended_speed": snap.Recommended,
	})
}

type speedRequest struct {
	Percent int `json:"percent"`
}

// handleSpeed applies a manual speed. Manual commands take the fan out
// of automatic control; POST /api/auto re-enables it.
func (s *Server) handleSpeed(c *fiber.Ctx) error {
	var req speedRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid speed request")
	}
	if req.Percent < 0 || req.Percent > cooler.SpeedPercentMax {
		return fiber.NewError(fiber.StatusBadRequest, "percent out of range")
	}

	if err := s.cmd.WriteSpeed(cooler.EncodeSpeed(req.Percent)); err != nil {
		return writeError(err)
	}
	s.loop.SetAuto(false)
	s.loop.NoteManualSpeed(req.Percent)
	return c.JSON(fiber.Map{"applied": req.Percent})
}

type lightRequest struct {
	Effect string `json:"effect"`
	R      uint8  `json:"r"`
	G      uint8  `json:"g"`
	B      uint8  `json:"b"`
}

func (s *Server) handleLight(c *fiber.Ctx) error {
	var req lightRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid light request")
	}

	effect := cooler.ParseEffect(req.Effect)
	if err := s.cmd.WriteLight(cooler.EncodeLight(effect, req.R, req.G, req.B)); err != nil {
		return writeError(err)
	}
	s.loop.NoteLight(effect.String(), req.R, req.G, req.B)
	return c.JSON(fiber.Map{"effect": effect.String()})
}

type autoRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAuto(c *fiber.Ctx) error {
	var req autoRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid auto request")
	}
	s.loop.SetAuto(req.Enabled)
	return c.JSON(fiber.Map{"auto": req.Enabled})
}

// writeError maps machine write errors onto HTTP statuses.
func writeError(err error) error {
	switch {
	case errors.Is(err, conn.ErrNotReady):
		return fiber.NewError(fiber.StatusServiceUnavailable, "no session ready")
	case errors.Is(err, conn.ErrChannelUnavailable):
		return fiber.NewError(fiber.StatusNotImplemented, "channel not supported by this accessory")
	case errors.Is(err, conn.ErrThrottled):
		return fiber.NewError(fiber.StatusTooManyRequests, "write rate exceeded")
	default:
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
}
