package ddb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"wagate/internal/types"
)

// Set to the local AWS mock (e.g. moto at http://localhost:4566) to run DeviceStoreTestSuite.
const ddbEndpointEnv = "TEST_DDB_ENDPOINT"

func newTestClient(endpoint string) *dynamodb.Client {
	return dynamodb.New(dynamodb.Options{
		BaseEndpoint:     aws.String(endpoint),
		Region:           "us-east-1",
		Credentials:      credentials.NewStaticCredentialsProvider("test", "test", ""),
		RetryMaxAttempts: 1,
	})
}

// jsonEndpoint answers DynamoDB JSON protocol calls by operation name and records them.
type jsonEndpoint struct {
	mu      sync.Mutex
	calls   []string
	bodies  []string
	replies map[string]func(w http.ResponseWriter)
}

func (e *jsonEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.Header.Get("X-Amz-Target"), "DynamoDB_20120810.")
	body, _ := io.ReadAll(r.Body)
	e.mu.Lock()
	e.calls = append(e.calls, op)
	e.bodies = append(e.bodies, string(body))
	reply, ok := e.replies[op]
	e.mu.Unlock()
	w.Header().Set("Content-Type", "application/x-amz-json-1.0")
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"__type":"com.amazonaws.dynamodb.v20120810#ValidationException","message":"unexpected call"}`)
		return
	}
	reply(w)
}

func (e *jsonEndpoint) recorded() ([]string, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...), append([]string(nil), e.bodies...)
}

func ddbError(status int, code, msg string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"__type":"com.amazonaws.dynamodb.v20120810#`+code+`","message":"`+msg+`"}`)
	}
}

func ddbOK(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		_, _ = io.WriteString(w, body)
	}
}

func newEndpointStore(t *testing.T, replies map[string]func(w http.ResponseWriter)) (*DeviceStore, *jsonEndpoint) {
	e := &jsonEndpoint{replies: replies}
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &DeviceStore{table: "wagate-test", cli: newTestClient(srv.URL)}, e
}

func TestConditionFailureMapsToNotFound(t *testing.T) {
	ctx := context.Background()
	failed := ddbError(http.StatusBadRequest, "ConditionalCheckFailedException", "The conditional request failed")
	store, e := newEndpointStore(t, map[string]func(w http.ResponseWriter){
		"UpdateItem": failed,
		"DeleteItem": failed,
		"GetItem":    ddbOK(`{}`),
	})

	err := store.UpdateDevice(ctx, "gone", types.DeviceUpdate{Ready: types.Bool(false), PairingPayload: types.String("")})
	assert.ErrorIs(t, err, types.ErrNotFound)
	err = store.DeleteDevice(ctx, "gone")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.FindDevice(ctx, "gone")
	assert.ErrorIs(t, err, types.ErrNotFound)

	calls, bodies := e.recorded()
	require.Equal(t, []string{"UpdateItem", "DeleteItem", "GetItem"}, calls)
	assert.Contains(t, bodies[0], `"ConditionExpression":"attribute_exists(PK)"`)
	assert.Contains(t, bodies[0], `REMOVE #pc`)
	assert.Contains(t, bodies[1], `"ConditionExpression":"attribute_exists(PK)"`)
	assert.Contains(t, bodies[1], `DEVICE#gone`)
}

func TestOtherFailuresAreNotNotFound(t *testing.T) {
	ctx := context.Background()
	missingTable := ddbError(http.StatusBadRequest, "ResourceNotFoundException", "Requested resource not found")
	store, _ := newEndpointStore(t, map[string]func(w http.ResponseWriter){
		"UpdateItem": missingTable,
		"DeleteItem": missingTable,
	})

	err := store.UpdateDevice(ctx, "a", types.DeviceUpdate{Ready: types.Bool(true)})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrNotFound)
	err = store.DeleteDevice(ctx, "a")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrNotFound)
}

func TestExistingTableIsNotAnError(t *testing.T) {
	ctx := context.Background()
	e := &jsonEndpoint{replies: map[string]func(w http.ResponseWriter){
		"CreateTable": ddbError(http.StatusBadRequest, "ResourceInUseException", "Table already exists"),
	}}
	srv := httptest.NewServer(e)
	defer srv.Close()

	store, err := NewDeviceStore(ctx, "wagate-test", newTestClient(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "wagate-test", store.table)
}

// DeviceStoreTestSuite runs the store against a real DynamoDB endpoint.
type DeviceStoreTestSuite struct {
	suite.Suite

	ctx   context.Context
	store *DeviceStore
}

func TestDeviceStoreTestSuite(t *testing.T) {
	if os.Getenv(ddbEndpointEnv) == "" {
		t.Skipf("%s not set", ddbEndpointEnv)
	}
	suite.Run(t, new(DeviceStoreTestSuite))
}

func (s *DeviceStoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	var err error
	s.store, err = NewDeviceStore(s.ctx, "wagate-test-"+uuid.NewString(), newTestClient(os.Getenv(ddbEndpointEnv)))
	s.Require().NoError(err)
}

func (s *DeviceStoreTestSuite) TearDownTest() {
	_, _ = s.store.cli.DeleteTable(s.ctx, &dynamodb.DeleteTableInput{TableName: &s.store.table})
}

func (s *DeviceStoreTestSuite) TestLifecycle() {
	d, err := s.store.CreateDevice(s.ctx, "  Sales ")
	s.Require().NoError(err)
	s.Equal("Sales", d.Name)

	s.NoError(s.store.UpdateDevice(s.ctx, d.ID, types.DeviceUpdate{PairingPayload: types.String("2@code")}))
	got, err := s.store.FindDevice(s.ctx, d.ID)
	s.NoError(err)
	s.Require().NotNil(got.PairingPayload)
	s.Equal("2@code", *got.PairingPayload)

	s.NoError(s.store.UpdateDevice(s.ctx, d.ID, types.DeviceUpdate{Ready: types.Bool(true), PairingPayload: types.String("")}))
	got, err = s.store.FindDevice(s.ctx, d.ID)
	s.NoError(err)
	s.True(got.Ready)
	s.Nil(got.PairingPayload)

	s.NoError(s.store.DeleteDevice(s.ctx, d.ID))
	s.ErrorIs(s.store.DeleteDevice(s.ctx, d.ID), types.ErrNotFound)
	s.ErrorIs(s.store.UpdateDevice(s.ctx, d.ID, types.DeviceUpdate{Ready: types.Bool(false)}), types.ErrNotFound)
	_, err = s.store.FindDevice(s.ctx, d.ID)
	s.ErrorIs(err, types.ErrNotFound)
}

func (s *DeviceStoreTestSuite) TestListFiltersAndPages() {
	for _, name := range []string{"Alpha", "Beta", "Alphabet"} {
		d, err := s.store.CreateDevice(s.ctx, name)
		s.Require().NoError(err)
		if name == "Alpha" {
			s.Require().NoError(s.store.UpdateDevice(s.ctx, d.ID, types.DeviceUpdate{Ready: types.Bool(true)}))
		}
	}
	page, err := s.store.ListDevices(s.ctx, types.DeviceFilter{Name: "alpha", PageSize: 1})
	s.NoError(err)
	s.EqualValues(2, page.Total)
	s.Equal(2, page.TotalPages)
	s.Len(page.Data, 1)

	page, err = s.store.ListDevices(s.ctx, types.DeviceFilter{Ready: types.Bool(true)})
	s.NoError(err)
	s.Require().Len(page.Data, 1)
	s.Equal("Alpha", page.Data[0].Name)

	ids, err := s.store.DeviceIDs(s.ctx)
	s.NoError(err)
	s.Len(ids, 3)
}
