// Package venueapi 提供交易所 REST 接口客户端（仅用于对账快照拉取）
package venueapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fillsync/internal/domain"
)

var log = logrus.WithField("component", "venue_api")

const defaultRecvWindow = "5000"

// Client 签名 REST 客户端
type Client struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
}

// NewClient 创建 REST 客户端
// proxyURL 为空时 resty 仍会读取 HTTP_PROXY / HTTPS_PROXY 环境变量
func NewClient(baseURL, apiKey, apiSecret, proxyURL string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")

	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时优先遵循 Retry-After 头
			if resp.StatusCode() == 429 {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if d, err := time.ParseDuration(ra + "s"); err == nil {
						return d, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	if proxyURL != "" {
		http.SetProxy(proxyURL)
	}

	return &Client{http: http, apiKey: apiKey, apiSecret: apiSecret}
}

// positionListResponse 仓位列表响应外层
type positionListResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Size        string `json:"size"`
			AvgPrice    string `json:"avgPrice"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	} `json:"result"`
	Time int64 `json:"time"`
}

// FetchPositions 拉取账户当前全部仓位快照
// category: 产品线（如 linear）；settleCoin: 结算币种（如 USDT）
// 交易所只返回非零仓位，零仓位由调用方按缺失处理
func (c *Client) FetchPositions(ctx context.Context, category, settleCoin string) ([]*domain.PositionSnapshot, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("settleCoin", settleCoin)

	var out positionListResponse
	resp, err := c.signedGet(ctx, "/v5/position/list", params, &out)
	if err != nil {
		return nil, errors.Wrap(err, "fetch positions")
	}
	if resp.IsError() {
		return nil, errors.Errorf("fetch positions: http %d", resp.StatusCode())
	}
	if out.RetCode != 0 {
		return nil, errors.Errorf("fetch positions: retCode=%d msg=%s", out.RetCode, out.RetMsg)
	}

	snapshots := make([]*domain.PositionSnapshot, 0, len(out.Result.List))
	for _, row := range out.Result.List {
		size, err := decimal.NewFromString(row.Size)
		if err != nil {
			log.Warnf("忽略畸形仓位记录 symbol=%s size=%q: %v", row.Symbol, row.Size, err)
			continue
		}
		if strings.EqualFold(row.Side, "Sell") {
			size = size.Neg()
		}
		avg := decimal.Zero
		if row.AvgPrice != "" {
			avg, _ = decimal.NewFromString(row.AvgPrice)
		}
		ts := time.UnixMilli(out.Time)
		if ms, err := strconv.ParseInt(row.UpdatedTime, 10, 64); err == nil && ms > 0 {
			ts = time.UnixMilli(ms)
		}
		snapshots = append(snapshots, &domain.PositionSnapshot{
			Symbol:    row.Symbol,
			Size:      size,
			AvgPrice:  avg,
			Timestamp: ts,
		})
	}
	return snapshots, nil
}

// signedGet 发送带签名的 GET 请求
// 签名内容: timestamp + api_key + recv_window + query_string
func (c *Client) signedGet(ctx context.Context, endpoint string, params url.Values, out interface{}) (*resty.Response, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + defaultRecvWindow + query))
	signature := hex.EncodeToString(mac.Sum(nil))

	r := c.http.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", c.apiKey).
		SetHeader("X-BAPI-SIGN", signature).
		SetHeader("X-BAPI-TIMESTAMP", timestamp).
		SetHeader("X-BAPI-RECV-WINDOW", defaultRecvWindow).
		SetQueryString(query)
	if out != nil {
		r.SetResult(out)
	}
	return r.Get(endpoint)
}
