package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelmux/modelmux/internal/vault"
)

// VaultStatusHandler handles GET /admin/v1/vault.
func VaultStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled": d.Vault.Enabled(),
			"locked":  d.Vault.IsLocked(),
			"keys":    d.Vault.Keys(),
		})
	}
}

// VaultUnlockHandler handles POST /admin/v1/vault/unlock. On success the
// salt and encrypted values are persisted so the vault survives restarts.
func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	type unlockReq struct {
		Passphrase string `json:"passphrase"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req unlockReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Passphrase == "" {
			jsonError(w, "passphrase required", http.StatusBadRequest)
			return
		}

		if err := d.Vault.Unlock([]byte(req.Passphrase)); err != nil {
			if errors.Is(err, vault.ErrWrongPassword) {
				jsonError(w, "unlock failed", http.StatusUnauthorized)
				return
			}
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if d.Store != nil {
			if salt := d.Vault.Salt(); salt != nil {
				if err := d.Store.SaveVaultBlob(r.Context(), salt, d.Vault.Export()); err != nil {
					jsonError(w, "unlocked but not persisted: "+err.Error(), http.StatusInternalServerError)
					return
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// VaultLockHandler handles POST /admin/v1/vault/lock.
func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault.IsLocked() {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "already_locked": true})
			return
		}
		d.Vault.Lock()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// VaultSetHandler handles PUT /admin/v1/vault/secrets/{name}: stores one
// secret (a backend auth token, referenced from configs as "vault:<name>").
func VaultSetHandler(d Dependencies) http.HandlerFunc {
	type setReq struct {
		Value string `json:"value"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var req setReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Value == "" {
			jsonError(w, "value required", http.StatusBadRequest)
			return
		}

		if err := d.Vault.Set(name, req.Value); err != nil {
			if errors.Is(err, vault.ErrLocked) {
				jsonError(w, "vault locked", http.StatusConflict)
				return
			}
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if d.Store != nil {
			if salt := d.Vault.Salt(); salt != nil {
				if err := d.Store.SaveVaultBlob(r.Context(), salt, d.Vault.Export()); err != nil {
					jsonError(w, "stored but not persisted: "+err.Error(), http.StatusInternalServerError)
					return
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// VaultDeleteHandler handles DELETE /admin/v1/vault/secrets/{name}.
func VaultDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		d.Vault.Delete(name)
		if d.Store != nil {
			if salt := d.Vault.Salt(); salt != nil {
				if err := d.Store.SaveVaultBlob(r.Context(), salt, d.Vault.Export()); err != nil {
					jsonError(w, "deleted but not persisted: "+err.Error(), http.StatusInternalServerError)
					return
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
