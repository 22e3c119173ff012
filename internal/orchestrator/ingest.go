package orchestrator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"killfeed/internal/killmail"
	"killfeed/internal/logger"
)

// newIngestHTTPClient configures the long-poll client with connection reuse
// and explicit timeouts. The upstream listen request is a single long-lived
// call per poll rather than bulk paginated fetching, so MaxIdleConnsPerHost
// only needs to cover one host.
func newIngestHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// upstreamEnvelope mirrors the redisQ `{"package": ... | null}` wire shape.
type upstreamEnvelope struct {
	Package json.RawMessage `json:"package"`
}

// pollResult is what one upstream request yields.
type pollResult struct {
	// Killmail is non-nil when a well-formed killmail was received.
	Killmail *killmail.Killmail
	// EndOfRun is true when the upstream signaled idle (empty package),
	// 429, a non-200 response, or a response that doesn't even parse as
	// the envelope shape (ban-page HTML, garbage). All of those end the
	// run, regardless of which one happened.
	EndOfRun bool
}

// poll issues one request to the upstream long-poll endpoint and classifies
// the result. It never returns an error: every failure is logged at debug
// and folded into EndOfRun, except a well-formed envelope carrying a
// malformed killmail, which returns a zero pollResult so the run goes on.
func (o *Orchestrator) poll(ctx context.Context) pollResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.UpstreamURL, nil)
	if err != nil {
		logger.Debug("INGEST", fmt.Sprintf("build request: %v", err))
		return pollResult{EndOfRun: true}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "killfeed/1.0 (+killmail tracker)")

	resp, err := o.ingestHTTP.Do(req)
	if err != nil {
		logger.Debug("INGEST", fmt.Sprintf("request failed: %v", err))
		return pollResult{EndOfRun: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		// Upstream's 429-ban behavior varies and sometimes includes an HTML
		// ban notice; log, never attempt to parse it.
		logger.Debug("INGEST", "upstream returned 429")
		return pollResult{EndOfRun: true}
	}
	if resp.StatusCode != http.StatusOK {
		logger.Debug("INGEST", fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode))
		return pollResult{EndOfRun: true}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Debug("INGEST", fmt.Sprintf("read body: %v", err))
		return pollResult{EndOfRun: true}
	}

	var env upstreamEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// 200-with-HTML-ban-notice or any other non-JSON body lands here.
		logger.Debug("INGEST", fmt.Sprintf("non-JSON response: %v", err))
		return pollResult{EndOfRun: true}
	}
	if len(env.Package) == 0 || string(env.Package) == "null" {
		// Idle poll: upstream waited and found nothing.
		return pollResult{EndOfRun: true}
	}

	km, err := killmail.FromUpstreamPackage(env.Package)
	if err != nil {
		// The envelope parsed fine but the killmail itself didn't (e.g. no
		// attackers). Discard the record, not the whole run.
		logger.Debug("INGEST", fmt.Sprintf("discarding malformed killmail: %v", err))
		return pollResult{}
	}
	return pollResult{Killmail: &km}
}

// FetchByID composes the upstream point-lookup two-call flow:
// a thin zKillboard record for the hash, then the full ESI-shaped record,
// merged into the same envelope FromUpstreamPackage consumes. Used by the
// `send-test` operator command with a historical killmail ID.
func (o *Orchestrator) FetchByID(ctx context.Context, killmailID int64) (killmail.Killmail, error) {
	thinURL := fmt.Sprintf("%s/api/killID/%d/", o.cfg.ZKBBase, killmailID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thinURL, nil)
	if err != nil {
		return killmail.Killmail{}, fmt.Errorf("build zkb lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.ingestHTTP.Do(req)
	if err != nil {
		return killmail.Killmail{}, fmt.Errorf("zkb lookup %d: %w", killmailID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return killmail.Killmail{}, fmt.Errorf("zkb lookup %d: HTTP %d", killmailID, resp.StatusCode)
	}
	// Keep the whole zkb object: besides the hash it carries the value,
	// points, and npc/solo/awox flags the evaluator and formatter need.
	var thin []struct {
		ZKB json.RawMessage `json:"zkb"`
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return killmail.Killmail{}, fmt.Errorf("read zkb lookup %d: %w", killmailID, err)
	}
	if err := json.Unmarshal(body, &thin); err != nil || len(thin) == 0 || len(thin[0].ZKB) == 0 {
		return killmail.Killmail{}, fmt.Errorf("zkb lookup %d: no zkb record in response", killmailID)
	}
	zkb := thin[0].ZKB
	var zkbFields struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(zkb, &zkbFields); err != nil || zkbFields.Hash == "" {
		return killmail.Killmail{}, fmt.Errorf("zkb lookup %d: no hash in response", killmailID)
	}
	hash := zkbFields.Hash

	fullURL := fmt.Sprintf("%s/killmails/%d/%s/", o.cfg.ESIBase, killmailID, hash)
	fullReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return killmail.Killmail{}, fmt.Errorf("build esi lookup request: %w", err)
	}
	fullReq.Header.Set("Accept", "application/json")
	fullResp, err := o.ingestHTTP.Do(fullReq)
	if err != nil {
		return killmail.Killmail{}, fmt.Errorf("esi lookup %d: %w", killmailID, err)
	}
	defer fullResp.Body.Close()
	if fullResp.StatusCode != http.StatusOK {
		return killmail.Killmail{}, fmt.Errorf("esi lookup %d: HTTP %d", killmailID, fullResp.StatusCode)
	}
	killmailBody, err := io.ReadAll(fullResp.Body)
	if err != nil {
		return killmail.Killmail{}, fmt.Errorf("read esi lookup %d: %w", killmailID, err)
	}

	composed := fmt.Sprintf(`{"killID":%d,"killmail":%s,"zkb":%s}`, killmailID, killmailBody, zkb)
	km, err := killmail.FromUpstreamPackage([]byte(composed))
	if err != nil {
		return killmail.Killmail{}, fmt.Errorf("compose killmail %d: %w", killmailID, err)
	}
	return km, nil
}
