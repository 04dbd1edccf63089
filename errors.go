/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Seednode/imitation/errs"
)

const maxRequestBody = 1 << 16

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// logger adapts logf for packages that only know about a format function.
func logger(cfg *Config) func(format string, args ...any) {
	return func(format string, args ...any) {
		logf(cfg, format, args...)
	}
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return errs.Invalid("decode", "malformed JSON body")
	}
	return nil
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any) (int, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	return w.Write(append(body, '\n'))
}

// writeError answers with the status matching err's kind and a short message.
// Server-side failures are not described to the caller.
func writeError(cfg *Config, w http.ResponseWriter, err error) (int, error) {
	status := errs.HTTPStatus(err)

	msg := err.Error()
	var e *errs.Error
	switch {
	case status == http.StatusNotFound:
		msg = "not found"
	case status == http.StatusBadGateway:
		msg = "upstream unavailable"
	case status >= http.StatusInternalServerError:
		msg = http.StatusText(status)
	case errors.As(err, &e) && e.Err != nil:
		msg = e.Err.Error()
	}

	return writeJSON(cfg, w, status, map[string]string{"error": msg})
}
