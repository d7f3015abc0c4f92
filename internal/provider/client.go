// Package provider содержит клиент внешнего SMS-провайдера аренды номеров.
//
// Протокол текстовый: getNumber/getStatus/setStatus отвечают строками вида
// ACCESS_NUMBER:<id>:<number> или STATUS_OK:<code>, getPrices отвечает JSON.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	handlerPath      = "/handler_api.php"
	stubsHandlerPath = "/stubs/handler_api.php"
)

// Коды setStatus, принимаемые провайдером.
const (
	StatusFinish = 6
	StatusCancel = 8
)

// Текстовые ошибки провайдера.
var (
	ErrBadKey       = errors.New("provider: bad api key")
	ErrBadService   = errors.New("provider: bad service")
	ErrNoBalance    = errors.New("provider: no balance")
	ErrNoNumbers    = errors.New("provider: no numbers available")
	ErrNoActivation = errors.New("provider: no activation")
)

var textErrors = map[string]error{
	"BAD_KEY":       ErrBadKey,
	"BAD_SERVICE":   ErrBadService,
	"NO_BALANCE":    ErrNoBalance,
	"NO_NUMBERS":    ErrNoNumbers,
	"NO_ACTIVATION": ErrNoActivation,
}

// Activation описывает выделенный провайдером номер.
type Activation struct {
	ID     string
	Number string
}

// StatusState описывает состояние активации у провайдера.
type StatusState string

const (
	StateWait    StatusState = "WAIT"
	StateOK      StatusState = "OK"
	StateUnknown StatusState = "UNKNOWN"
)

// Status описывает результат опроса активации.
type Status struct {
	State StatusState
	Code  string
	Raw   string
}

// PriceEntry — плоская запись каталога цен: страна, услуга, доступность, цена.
type PriceEntry struct {
	Country string
	Service string
	Count   int
	Cost    float64
}

// Client инкапсулирует HTTP-взаимодействие с SMS-провайдером.
type Client struct {
	apiKey string
	http   *resty.Client
}

// NewClient создаёт клиент провайдера по указанному адресу и API-ключу.
func NewClient(baseURL, apiKey string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &Client{
		apiKey: apiKey,
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(20 * time.Second),
	}
}

// GetNumber запрашивает номер для услуги в указанной стране.
func (c *Client) GetNumber(ctx context.Context, service, country, operator string) (*Activation, error) {
	params := map[string]string{
		"action":  "getNumber",
		"api_key": c.apiKey,
		"service": service,
		"country": country,
	}
	if operator != "" {
		params["operator"] = operator
	}

	resp, err := c.getText(ctx, params)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(resp, "ACCESS_NUMBER") {
		parts := strings.Split(resp, ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("provider: malformed ACCESS_NUMBER response: %q", resp)
		}
		return &Activation{ID: parts[1], Number: parts[2]}, nil
	}

	if err, ok := textErrors[resp]; ok {
		return nil, err
	}

	return nil, fmt.Errorf("provider: unknown getNumber response: %q", resp)
}

// GetStatus опрашивает состояние активации: ожидание кода или полученный код.
func (c *Client) GetStatus(ctx context.Context, activationID string) (*Status, error) {
	params := map[string]string{
		"action":  "getStatus",
		"api_key": c.apiKey,
		"id":      activationID,
	}

	resp, err := c.getText(ctx, params)
	if err != nil {
		return nil, err
	}

	if resp == "STATUS_WAIT_CODE" {
		return &Status{State: StateWait}, nil
	}

	if strings.HasPrefix(resp, "STATUS_OK") {
		parts := strings.SplitN(resp, ":", 2)
		if len(parts) < 2 {
			return nil, fmt.Errorf("provider: malformed STATUS_OK response: %q", resp)
		}
		return &Status{State: StateOK, Code: parts[1]}, nil
	}

	if err, ok := textErrors[resp]; ok {
		return nil, err
	}

	return &Status{State: StateUnknown, Raw: resp}, nil
}

// SetStatus сообщает провайдеру о завершении (StatusFinish) или отмене
// (StatusCancel) активации.
func (c *Client) SetStatus(ctx context.Context, activationID string, status int) error {
	params := map[string]string{
		"action":  "setStatus",
		"api_key": c.apiKey,
		"id":      activationID,
		"status":  strconv.Itoa(status),
	}

	resp, err := c.getText(ctx, params)
	if err != nil {
		return err
	}

	if err, ok := textErrors[resp]; ok {
		return err
	}

	// Формат успешного ответа у провайдера плавает, любой не-ошибочный
	// текст считается подтверждением.
	return nil
}

type priceMeta struct {
	Count json.Number `json:"count"`
	Cost  json.Number `json:"cost"`
}

// GetPrices запрашивает каталог цен и возвращает его в плоском виде.
func (c *Client) GetPrices(ctx context.Context) ([]PriceEntry, error) {
	params := map[string]string{
		"action":  "getPrices",
		"api_key": c.apiKey,
	}

	resp, err := c.getText(ctx, params)
	if err != nil {
		return nil, err
	}

	if err, ok := textErrors[resp]; ok {
		return nil, err
	}

	var tree map[string]map[string]priceMeta
	if err := json.Unmarshal([]byte(resp), &tree); err != nil {
		preview := resp
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return nil, fmt.Errorf("provider: invalid prices JSON: %q", preview)
	}

	var out []PriceEntry
	for country, services := range tree {
		for service, meta := range services {
			count, _ := meta.Count.Int64()
			cost, _ := meta.Cost.Float64()
			out = append(out, PriceEntry{
				Country: country,
				Service: service,
				Count:   int(count),
				Cost:    cost,
			})
		}
	}

	return out, nil
}

// getText выполняет запрос к основному API. Первичен эндпоинт /stubs,
// при его недоступности используется основной обработчик.
func (c *Client) getText(ctx context.Context, params map[string]string) (string, error) {
	resp, err := c.doText(ctx, stubsHandlerPath, params)
	if err == nil {
		return resp, nil
	}

	return c.doText(ctx, handlerPath, params)
}

func (c *Client) doText(ctx context.Context, path string, params map[string]string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return "", fmt.Errorf("provider: do request: %w", err)
	}

	text := strings.TrimSpace(resp.String())
	if text == "" {
		return "", errors.New("provider: empty response")
	}

	if looksLikeHTML(text) {
		return "", fmt.Errorf("provider: endpoint %s returned HTML instead of API response", path)
	}

	return text, nil
}

// looksLikeHTML распознаёт ответ сайта вместо API: неверный путь или редирект.
func looksLikeHTML(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return strings.HasPrefix(t, "<!doctype") ||
		strings.HasPrefix(t, "<html") ||
		strings.Contains(t, `<div id="root"`)
}
