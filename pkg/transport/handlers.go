package transport

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openhearth/hearthd/pkg/httperr"
	"github.com/openhearth/hearthd/pkg/storage"
	"github.com/openhearth/hearthd/pkg/types"
)

// maxUploadBytes bounds a device log upload after decompression.
const maxUploadBytes = 4 << 20

// baseURL derives the advertised service base from configuration or the
// request itself.
func (s *Server) baseURL(r *http.Request) string {
	if s.opts.BaseURL != "" {
		return s.opts.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// handleEntry is service discovery: the firmware learns every other URL from
// this response.
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	if serial, err := ExtractSerial(r); err == nil {
		s.markSeen(serial)
	}

	base := s.baseURL(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"czfe_url":             base + "/nest/transport",
		"transport_url":        base + "/nest/transport",
		"direct_transport_url": base + "/nest/transport",
		"passphrase_url":       base + "/nest/passphrase",
		"ping_url":             base + "/nest/ping",
		"pro_info_url":         base + "/nest/pro_info",
		"weather_url":          base + "/nest/weather/v1",
		"upload_url":           base + "/nest/upload",
		"software_update_url":  base + "/nest/software_update",
		"server_version":       s.opts.ServerVersion,
		"tier_name":            "self_hosted",
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if serial, err := ExtractSerial(r); err == nil {
		s.markSeen(serial)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.nowMs(),
	})
}

// handleSoftwareUpdate always reports no update available. Firmware polls
// the advertised URL after boot; anything but a well-formed answer makes it
// retry in a tight loop.
func (s *Server) handleSoftwareUpdate(w http.ResponseWriter, r *http.Request) {
	if serial, err := ExtractSerial(r); err == nil {
		s.markSeen(serial)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"update_available": false,
	})
}

// handlePassphrase issues an entry code for the requesting serial.
func (s *Server) handlePassphrase(w http.ResponseWriter, r *http.Request) {
	serial, err := ExtractSerial(r)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	s.markSeen(serial)

	ek, err := s.pairing.IssueCode(serial)
	if err != nil {
		s.logger.Error().Err(err).Str("serial", serial).Msg("entry code issuance failed")
		httperr.Write(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"value":   ek.Code,
		"expires": ek.ExpiresAt,
	})
}

// handlePassphraseStatus lets the device poll for its claim result.
func (s *Server) handlePassphraseStatus(w http.ResponseWriter, r *http.Request) {
	serial, err := ExtractSerial(r)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	s.markSeen(serial)

	st, err := s.pairing.CodeStatus(serial)
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindServiceUnavailable, "status lookup failed", err))
		return
	}

	switch st.State {
	case "claimed":
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "claimed",
			"claimed":   true,
			"claimedBy": st.ClaimedBy,
			"claimedAt": st.ClaimedAt,
		})
	case "pending":
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "pending",
			"claimed":   false,
			"expiresAt": st.ExpiresAt,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "no_key",
			"claimed": false,
		})
	}
}

// handleUpload accepts a device log bundle. Paired devices only; bodies may
// arrive gzip-compressed.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	serial, err := ExtractSerial(r)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	s.markSeen(serial)

	tier, err := s.pairing.Tier(serial)
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindServiceUnavailable, "auth tier lookup failed", err))
		return
	}
	if tier != types.TierPaired {
		httperr.Write(w, httperr.New(httperr.KindUnauthorized, "device not paired"))
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindBadRequest, "failed to read upload body", err))
		return
	}
	if len(raw) > maxUploadBytes {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "upload too large"))
		return
	}

	data, compressed, err := maybeGunzip(raw, r.Header.Get("Content-Encoding") == "gzip")
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindBadRequest, "invalid gzip body", err))
		return
	}

	entry := &types.LogEntry{
		Serial:     serial,
		ReceivedAt: s.nowMs(),
		Size:       len(data),
		Compressed: compressed,
		Data:       data,
	}
	if err := s.store.AppendDeviceLog(entry); err != nil {
		s.logger.Error().Err(err).Str("serial", serial).Msg("failed to persist device log")
		// Firmware retries forever on upload failure; accept anyway.
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// maybeGunzip decompresses the payload when the header says gzip or the body
// starts with the gzip magic.
func maybeGunzip(raw []byte, headerSaysGzip bool) ([]byte, bool, error) {
	isGzip := headerSaysGzip || (len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b)
	if !isGzip {
		return raw, false, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, false, err
	}
	defer zr.Close()
	data, err := io.ReadAll(io.LimitReader(zr, maxUploadBytes+1))
	if err != nil {
		return nil, false, err
	}
	if len(data) > maxUploadBytes {
		return nil, false, errors.New("decompressed upload too large")
	}
	return data, true, nil
}

// handleProInfo returns installer information for a pro code. Self-hosted
// deployments have no installer registry; a stable stub keeps firmware happy.
func (s *Server) handleProInfo(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	writeJSON(w, http.StatusOK, map[string]any{
		"pro_id":       code,
		"company_name": "Self-Hosted",
		"phone":        "",
		"email":        "",
	})
}

// handleWeather serves the weather proxy. Legacy firmware encodes the
// location in the path; newer revisions use query parameters.
func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	postal := r.URL.Query().Get("postal_code")
	country := r.URL.Query().Get("country")
	if postal == "" {
		if p := r.PathValue("path"); p != "" {
			postal, country = parseWeatherPath(p)
		}
	}
	if postal == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing postal_code"))
		return
	}
	if country == "" {
		country = "US"
	}

	data, err := s.weather.Lookup(r.Context(), postal, country)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httperr.Write(w, httperr.New(httperr.KindNotFound, "no weather data"))
			return
		}
		httperr.Write(w, httperr.Wrap(httperr.KindBadGateway, "weather upstream failed", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(time.Minute.Seconds())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// parseWeatherPath splits "v1/80301,US" style path remainders.
func parseWeatherPath(p string) (postal, country string) {
	// Drop a leading version segment.
	if i := bytes.IndexByte([]byte(p), '/'); i >= 0 && len(p) > i+1 && p[0] == 'v' {
		p = p[i+1:]
	}
	if i := bytes.IndexByte([]byte(p), ','); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}
