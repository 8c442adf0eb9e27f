package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dlmmbot/dlmmbot/internal/auth"
)

type challengeRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type challengeResponse struct {
	Message string `json:"message"`
}

type verifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature"`
}

type refreshRequest struct {
	WalletAddress string `json:"wallet_address"`
	RefreshToken  string `json:"refresh_token"`
}

func (s *Server) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	message, err := s.auth.Challenge(r.Context(), req.WalletAddress)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidWallet) {
			writeError(w, http.StatusBadRequest, "wallet_address is not a valid Solana address")
			return
		}
		s.log.Error("challenge failed", "err", err, "request_id", requestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "could not issue challenge")
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Message: message})
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	pair, err := s.auth.Verify(r.Context(), req.WalletAddress, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidWallet):
			writeError(w, http.StatusBadRequest, "wallet_address is not a valid Solana address")
		case errors.Is(err, auth.ErrChallengeExpired):
			writeError(w, http.StatusUnauthorized, "challenge expired or not issued")
		case errors.Is(err, auth.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "signature verification failed")
		default:
			s.log.Error("verify failed", "err", err, "request_id", requestID(r.Context()))
			writeError(w, http.StatusInternalServerError, "could not verify signature")
		}
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	pair, err := s.auth.Refresh(r.Context(), req.WalletAddress, req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
