package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/oauth2"

	"change/internal/core"
	"change/internal/storage"
)

// defaultLifetime applies when the token endpoint omits expires_in.
const defaultLifetime = time.Hour

// Token is the persisted credential. ExpiresAt is always IssuedAt plus the
// lifetime announced by the authorization server.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token can no longer be used at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t Token) oauth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.ExpiresAt,
	}
}

func newToken(accessToken, refreshToken, tokenType string, expiresIn time.Duration, now time.Time) Token {
	if expiresIn <= 0 {
		expiresIn = defaultLifetime
	}
	return Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		IssuedAt:     now,
		ExpiresAt:    now.Add(expiresIn),
	}
}

// fromOAuth2 converts a token endpoint answer, reading expires_in from the raw
// response so the lifetime is measured from our own clock.
func fromOAuth2(tok *oauth2.Token, now time.Time) Token {
	return newToken(tok.AccessToken, tok.RefreshToken, tok.TokenType, expiresIn(tok, now), now)
}

func expiresIn(tok *oauth2.Token, now time.Time) time.Duration {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v) * time.Second
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Duration(n) * time.Second
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(now).Round(time.Second)
	}
	return 0
}

// TokenStore persists the single token of the device.
type TokenStore interface {
	// Load returns the token or an error wrapping core.ErrNotFound.
	Load(ctx context.Context) (Token, error)
	Save(ctx context.Context, tok Token) error
	Clear(ctx context.Context) error
}

// TokenKey is the key/value entry holding the token.
const TokenKey = "oauth2_token"

// SQLiteTokenStore keeps the token in the local kv table.
type SQLiteTokenStore struct {
	db *storage.DB
}

func NewSQLiteTokenStore(db *storage.DB) *SQLiteTokenStore {
	return &SQLiteTokenStore{db: db}
}

func (s *SQLiteTokenStore) Load(ctx context.Context) (Token, error) {
	query, args, err := sq.Select("value").From("kv").Where(sq.Eq{"key": TokenKey}).ToSql()
	if err != nil {
		return Token{}, err
	}

	var data []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, fmt.Errorf("token: %w", core.ErrNotFound)
	}
	if err != nil {
		return Token{}, fmt.Errorf("%w: load token: %w", core.ErrLocalTransaction, err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, fmt.Errorf("decode token: %w", err)
	}
	return tok, nil
}

func (s *SQLiteTokenStore) Save(ctx context.Context, tok Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return storage.WithTx(ctx, s.db.DB, func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Replace("kv").Columns("key", "value").Values(TokenKey, data).ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *SQLiteTokenStore) Clear(ctx context.Context) error {
	return storage.WithTx(ctx, s.db.DB, func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Delete("kv").Where(sq.Eq{"key": TokenKey}).ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
}
