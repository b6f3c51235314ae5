package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const tournamentCodeCount = 3

type tournamentProviderRequest struct {
	Region string `json:"region"`
	URL    string `json:"url"`
}

type tournamentRequest struct {
	Name       string `json:"name"`
	ProviderID int64  `json:"providerId"`
}

type tournamentCodeRequest struct {
	MapType       string `json:"mapType"`
	PickType      string `json:"pickType"`
	SpectatorType string `json:"spectatorType"`
	TeamSize      int    `json:"teamSize"`
	Metadata      string `json:"metadata"`
}

// TournamentClient creates match codes through the Riot tournament-stub API.
type TournamentClient struct {
	logger     *zap.Logger
	metrics    Metrics
	httpClient *http.Client
	limiter    *rate.Limiter
	config     *RiotConfig
}

func NewTournamentClient(logger *zap.Logger, metrics Metrics, config *RiotConfig) *TournamentClient {
	return &TournamentClient{
		logger:  logger.With(zap.String("component", "tournament")),
		metrics: metrics,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSec) * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSec), tournamentCodeCount),
		config:  config,
	}
}

// CreateBO3Codes registers a provider and a tournament, then creates one code
// per game of a best of three.
func (c *TournamentClient) CreateBO3Codes(ctx context.Context, metadata string) (codes []string, err error) {
	startTime := time.Now()
	metricsTags := map[string]string{"result": "ok"}
	defer func() {
		if err != nil {
			metricsTags["result"] = "other"
			var remoteErr *RemoteAPIError
			if errors.As(err, &remoteErr) {
				metricsTags["result"] = remoteErr.Kind.String()
			}
		}
		c.metrics.CustomTimer("tournament_request_duration", metricsTags, time.Since(startTime))
	}()

	if c.config.APIKey == "" {
		return nil, ErrRiotAPIKeyMissing
	}
	if metadata == "" {
		metadata = c.config.Metadata
	}

	var providerID int64
	if err := c.post(ctx, "/providers", nil, tournamentProviderRequest{
		Region: c.config.Region,
		URL:    c.config.CallbackURL,
	}, &providerID); err != nil {
		return nil, err
	}

	var tournamentID int64
	if err := c.post(ctx, "/tournaments", nil, tournamentRequest{
		Name:       c.config.TournamentName,
		ProviderID: providerID,
	}, &tournamentID); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("count", strconv.Itoa(tournamentCodeCount))
	query.Set("tournamentId", strconv.FormatInt(tournamentID, 10))
	if err := c.post(ctx, "/codes", query, tournamentCodeRequest{
		MapType:       "SUMMONERS_RIFT",
		PickType:      "TOURNAMENT_DRAFT",
		SpectatorType: "ALL",
		TeamSize:      5,
		Metadata:      metadata,
	}, &codes); err != nil {
		return nil, err
	}

	if len(codes) < tournamentCodeCount {
		return nil, NewRemoteAPIError(RemoteAPIOther, 0, fmt.Sprintf("expected %d codes, got %d", tournamentCodeCount, len(codes)))
	}
	c.logger.Info("Created tournament codes", zap.Int64("provider_id", providerID), zap.Int64("tournament_id", tournamentID))
	return codes, nil
}

func (c *TournamentClient) post(ctx context.Context, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &RemoteAPIError{Kind: RemoteAPIOther, Message: "rate limit wait", Err: err}
	}

	u, err := url.Parse(strings.TrimSuffix(c.config.BaseURL, "/") + path)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Riot-Token", c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RemoteAPIError{Kind: RemoteAPIOther, Message: "request " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("Riot API error", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.ByteString("body", snippet))
		kind := RemoteAPIOther
		if resp.StatusCode == http.StatusForbidden {
			kind = RemoteAPIForbidden
		}
		return NewRemoteAPIError(kind, resp.StatusCode, path+": "+strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteAPIError{Kind: RemoteAPIOther, StatusCode: resp.StatusCode, Message: "decode " + path, Err: err}
	}
	return nil
}

// TournamentCodesMessage formats created codes for the channel.
func TournamentCodesMessage(codes []string, region string) string {
	var b strings.Builder
	b.WriteString("**굴뚝 내전 BO3 토너먼트 코드 생성 완료!**\n>>> ")
	for i, code := range codes {
		fmt.Fprintf(&b, "**Game %d** : `%s`\n", i+1, code)
	}
	b.WriteString("\n**설정**\n")
	fmt.Fprintf(&b, "- 서버: **%s**\n", region)
	b.WriteString("- 맵: **소환사의 협곡 (Summoner's Rift)**\n")
	b.WriteString("- 모드: **토너먼트 드래프트 (Tournament Draft)**\n")
	b.WriteString("- 팀 구성: **5 vs 5**\n\n")
	b.WriteString("`롤 클라이언트 > 플레이 > 토너먼트 코드 입력` 메뉴에서 위 코드를 각각 입력하면 됩니다.")
	return b.String()
}

// TournamentErrorMessage explains a failed code request to the channel.
func TournamentErrorMessage(err error) string {
	switch {
	case RemoteAPIErrorIs(err, RemoteAPIMissingKey):
		return "RIOT_API_KEY 환경 변수가 설정되어 있지 않습니다.\n환경 변수에 Riot API 키를 넣어주세요."
	case RemoteAPIErrorIs(err, RemoteAPIForbidden):
		return "토너먼트 API에 접근할 권한이 없어 403 Forbidden 오류가 발생했습니다.\n" +
			"- Riot Developer Support에 제출한 Tournament API 요청이 아직 승인되지 않았거나,\n" +
			"- 승인된 Production API Key 대신 일반 Development Key를 사용 중일 수 있습니다.\n\n" +
			"Tournament API 신청이 승인된 후, 해당 키를 RIOT_API_KEY에 넣고 다시 시도해주세요."
	}
	return "토너먼트 코드 생성 중 오류가 발생했습니다."
}
