package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/nexusdb/server"
	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// dbClient is what the command line needs from either transport.
type dbClient interface {
	Execute(ctx context.Context, statement []byte) (*server.ResultResponse, error)
	Flush(ctx context.Context) error
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// APIError is a failed request as reported by the server.
type APIError struct {
	Status       int
	Code         string
	Message      string
	RowsAffected *int64
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RowsAffected != nil {
		msg += fmt.Sprintf(" (%d rows changed before the failure)", *e.RowsAffected)
	}
	return msg
}

// httpClient talks to the JSON API.
type httpClient struct {
	rc *resty.Client
}

func newHTTPClient(baseURL, username, password string, timeout time.Duration) *httpClient {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if username != "" {
		rc.SetBasicAuth(username, password)
	}
	return &httpClient{rc: rc}
}

func (c *httpClient) do(req *resty.Request, method, path string) error {
	var apiErr server.ErrorResponse
	resp, err := req.SetError(&apiErr).Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		if apiErr.Code == "" {
			return &APIError{Status: resp.StatusCode(), Code: resp.Status(), Message: string(resp.Body())}
		}
		return &APIError{Status: resp.StatusCode(), Code: apiErr.Code, Message: apiErr.Message, RowsAffected: apiErr.RowsAffected}
	}
	return nil
}

func (c *httpClient) Execute(ctx context.Context, statement []byte) (*server.ResultResponse, error) {
	var res server.ResultResponse
	req := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(statement).
		SetResult(&res)
	if err := c.do(req, resty.MethodPost, "/v1/execute"); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *httpClient) Flush(ctx context.Context) error {
	return c.do(c.rc.R().SetContext(ctx), resty.MethodPost, "/v1/flush")
}

func (c *httpClient) Stats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	if err := c.do(c.rc.R().SetContext(ctx).SetResult(&stats), resty.MethodGet, "/v1/stats"); err != nil {
		return nil, err
	}
	return stats, nil
}

// basicAuthCreds implements credentials.PerRPCCredentials to send a Basic Auth token.
type basicAuthCreds struct {
	username string
	password string
	secure   bool
}

func (c basicAuthCreds) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	enc := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
	return map[string]string{"authorization": "Basic " + enc}, nil
}

func (c basicAuthCreds) RequireTransportSecurity() bool { return c.secure }

// grpcClient talks to the nexusdb.v1.Database service.
type grpcClient struct {
	db server.DatabaseClient
}

func newGRPCClient(cc grpc.ClientConnInterface) *grpcClient {
	return &grpcClient{db: server.NewDatabaseClient(cc)}
}

func (c *grpcClient) Execute(ctx context.Context, statement []byte) (*server.ResultResponse, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(statement, &m); err != nil {
		return nil, fmt.Errorf("statement is not a JSON object: %w", err)
	}
	in, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	out, err := c.db.Execute(ctx, in)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return nil, err
	}
	var res server.ResultResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *grpcClient) Flush(ctx context.Context) error {
	_, err := c.db.Flush(ctx, &emptypb.Empty{})
	return err
}

func (c *grpcClient) Stats(ctx context.Context) (map[string]interface{}, error) {
	out, err := c.db.Stats(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

var errNothingToDo = errors.New("nothing to do: pass -e, -f, -flush or -stats")
