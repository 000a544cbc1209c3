package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// one section as returned by the pull endpoint
type SectionRecord struct {
	SectionKey string          `json:"section_key"`
	Content    json.RawMessage `json:"content"`
	Version    int64           `json:"version"`
	UpdatedBy  string          `json:"updated_by,omitempty"`
}

type GetSectionsResult struct {
	Sections []*SectionRecord `json:"sections"`
}

type SaveSectionArgs struct {
	// idempotency token for the write. a retried request with the same
	// edit id must not double-apply.
	EditId      Id              `json:"editId"`
	SectionType string          `json:"sectionType"`
	SectionKey  string          `json:"sectionKey"`
	Content     json.RawMessage `json:"content"`
	BaseVersion int64           `json:"baseVersion"`
}

// exactly one of `Version` (accepted) or `Conflict` is set
type SaveSectionResult struct {
	Version  int64                `json:"version,omitempty"`
	Conflict *SaveSectionConflict `json:"conflict,omitempty"`
}

// the authoritative snapshot returned when baseVersion is stale
type SaveSectionConflict struct {
	Content   json.RawMessage `json:"content"`
	Version   int64           `json:"version"`
	UpdatedBy string          `json:"updatedBy,omitempty"`
}

// SectionApi is what the fallback poller and the auto-saver program against.
// `HttpSectionApi` is the production implementation; tests inject fakes.
type SectionApi interface {
	GetSectionsSync(ctx context.Context, sectionType string) (*GetSectionsResult, error)
	SaveSectionSync(ctx context.Context, args *SaveSectionArgs) (*SaveSectionResult, error)
}

type HttpSectionApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl        string
	tokenProvider TokenProvider
}

func NewHttpSectionApi(ctx context.Context, apiUrl string, tokenProvider TokenProvider) *HttpSectionApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &HttpSectionApi{
		ctx:           cancelCtx,
		cancel:        cancel,
		apiUrl:        apiUrl,
		tokenProvider: tokenProvider,
	}
}

func (self *HttpSectionApi) Close() {
	self.cancel()
}

type GetSectionsCallback apiCallback[*GetSectionsResult]

func (self *HttpSectionApi) GetSections(sectionType string, callback GetSectionsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/dashboard/sections?sectionType=%s", self.apiUrl, sectionType),
		self.tokenProvider,
		&GetSectionsResult{},
		callback,
	)
}

func (self *HttpSectionApi) GetSectionsSync(ctx context.Context, sectionType string) (*GetSectionsResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/dashboard/sections?sectionType=%s", self.apiUrl, sectionType),
		self.tokenProvider,
		&GetSectionsResult{},
		NewNoopApiCallback[*GetSectionsResult](),
	)
}

type SaveSectionCallback apiCallback[*SaveSectionResult]

func (self *HttpSectionApi) SaveSection(args *SaveSectionArgs, callback SaveSectionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/dashboard/sections/save", self.apiUrl),
		args,
		self.tokenProvider,
		&SaveSectionResult{},
		callback,
	)
}

func (self *HttpSectionApi) SaveSectionSync(ctx context.Context, args *SaveSectionArgs) (*SaveSectionResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/dashboard/sections/save", self.apiUrl),
		args,
		self.tokenProvider,
		&SaveSectionResult{},
		NewNoopApiCallback[*SaveSectionResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, tokenProvider TokenProvider, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	req.Header.Add("Content-Type", "application/json")

	if err := addAuth(ctx, req, tokenProvider); err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	return do(req, result, callback)
}

func get[R any](ctx context.Context, url string, tokenProvider TokenProvider, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if err := addAuth(ctx, req, tokenProvider); err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	return do(req, result, callback)
}

func addAuth(ctx context.Context, req *http.Request, tokenProvider TokenProvider) error {
	if tokenProvider == nil {
		return nil
	}
	token, err := tokenProvider.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return nil
}

func do[R any](req *http.Request, result R, callback apiCallback[R]) (R, error) {
	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	switch r.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		authErr := &AuthError{
			Message: strings.TrimSpace(string(responseBodyBytes)),
		}
		callback.Result(result, authErr)
		return result, authErr
	default:
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
