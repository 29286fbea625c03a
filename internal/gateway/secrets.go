package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/peagen-io/peagen/internal/keys"
	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/rpc"
	"github.com/peagen-io/peagen/internal/store"
)

type secretAddParams struct {
	Name        string              `json:"name" validate:"required"`
	Pool        string              `json:"pool"`
	Ciphertext  []byte              `json:"ciphertext" validate:"required"`
	WrappedKeys []models.WrappedKey `json:"wrapped_keys" validate:"required,min=1"`
}

// secretAdd stores an already-sealed envelope. The gateway never sees
// plaintext: sealing happens client-side against the recipients' keys.
func (a *App) secretAdd(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p secretAddParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if p.Pool == "" {
		p.Pool = models.DefaultPool
	}
	err := a.store.PutSecret(ctx, &models.Secret{
		Name:        p.Name,
		Pool:        p.Pool,
		Ciphertext:  p.Ciphertext,
		WrappedKeys: p.WrappedKeys,
	})
	if errors.Is(err, store.ErrPoolMissing) {
		return nil, rpc.ErrPoolMissing("pool does not exist")
	}
	if err != nil {
		a.logger.Error("secret store failed", "name", p.Name, "pool", p.Pool, "error", err)
		return nil, rpc.ErrInternal("secret store failed")
	}
	a.logger.Info("secret stored", "name", p.Name, "pool", p.Pool,
		"recipients", len(p.WrappedKeys))
	return okResult{OK: true}, nil
}

type secretRefParams struct {
	Name string `json:"name" validate:"required"`
	Pool string `json:"pool"`
}

type secretGetResult struct {
	Name        string              `json:"name"`
	Pool        string              `json:"pool"`
	Ciphertext  []byte              `json:"ciphertext"`
	WrappedKeys []models.WrappedKey `json:"wrapped_keys"`
}

// secretGet returns the sealed envelope. The method requires a signed
// request; unwrapping the content key is what actually gates access, so
// a caller outside the recipient list learns nothing useful.
func (a *App) secretGet(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p secretRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if p.Pool == "" {
		p.Pool = models.DefaultPool
	}
	s, err := a.store.GetSecret(ctx, p.Pool, p.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpc.ErrNotFound("secret not found")
	}
	if err != nil {
		return nil, rpc.ErrInternal("secret lookup failed")
	}
	return secretGetResult{
		Name:        s.Name,
		Pool:        s.Pool,
		Ciphertext:  s.Ciphertext,
		WrappedKeys: s.WrappedKeys,
	}, nil
}

func (a *App) secretRemove(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p secretRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if p.Pool == "" {
		p.Pool = models.DefaultPool
	}
	err := a.store.DeleteSecret(ctx, p.Pool, p.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpc.ErrNotFound("secret not found")
	}
	if err != nil {
		return nil, rpc.ErrInternal("secret removal failed")
	}
	a.logger.Info("secret removed", "name", p.Name, "pool", p.Pool)
	return okResult{OK: true}, nil
}

type keyUploadParams struct {
	Armored string         `json:"armored" validate:"required"`
	Role    models.KeyRole `json:"role" validate:"required,oneof=user worker gateway"`
}

type keyUploadResult struct {
	Fingerprint string `json:"fingerprint"`
}

func (a *App) publicKeyUpload(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p keyUploadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	pk, err := keys.ParseArmored(p.Armored)
	if err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	fp := pk.Fingerprint()
	if err := a.store.AddPublicKey(ctx, &models.PublicKey{
		Fingerprint: fp,
		Armored:     p.Armored,
		Role:        p.Role,
	}); err != nil {
		a.logger.Error("public key registration failed", "error", err)
		return nil, rpc.ErrInternal("key registration failed")
	}
	a.logger.Info("public key registered", "fingerprint", fp, "role", string(p.Role))
	return keyUploadResult{Fingerprint: fp}, nil
}
