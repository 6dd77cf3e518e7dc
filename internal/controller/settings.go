package controller

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"golang.org/x/crypto/ssh"

	"example.com/openrobot-bt/internal/db"
)

func (c *Controller) GetInstallDefaults(w http.ResponseWriter, r *http.Request) {
	cfg, err := c.DB.GetDefaultInstallConfig(r.Context())
	if err != nil {
		log.Printf("[controller] get install defaults: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to load defaults")
		return
	}

	type response struct {
		User         string `json:"user,omitempty"`
		HasKey       bool   `json:"has_key"`
		SSHPublicKey string `json:"ssh_public_key,omitempty"`
	}
	resp := response{}
	if cfg != nil {
		resp.User = cfg.User
		resp.HasKey = cfg.SSHKey != ""
		resp.SSHPublicKey = publicKey(cfg.SSHKey)
	}
	respondJSON(w, http.StatusOK, map[string]response{"install_config": resp})
}

func (c *Controller) UpdateInstallDefaults(w http.ResponseWriter, r *http.Request) {
	var req installDefaultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid install defaults")
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := req.toInstallConfig()
	if err := c.DB.SaveDefaultInstallConfig(r.Context(), cfg); err != nil {
		log.Printf("[controller] update install defaults: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to save defaults")
		return
	}
	respondJSON(w, http.StatusOK, map[string]*db.InstallConfig{"install_config": {User: cfg.User}})
}

// publicKey returns the authorized_keys line for a private key, or "".
func publicKey(rawKey string) string {
	if rawKey == "" {
		return ""
	}
	signer, err := ssh.ParsePrivateKey([]byte(rawKey))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
}
