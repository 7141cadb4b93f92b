package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/amelbenhazem/task-ws-api/domain"
)

const (
	tasksPartition = "tasks"
	edmInt64       = "Edm.Int64"
)

// Storage keeps tasks and users in Azure Table Storage.
type Storage struct {
	taskTable *aztables.Client
	userTable *aztables.Client

	names sync.Map // user id -> display name already persisted
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, usersTable string) (*Storage, error) {
	svc, err := newServiceClient(connStr)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable), userTable: svc.NewClient(usersTable)}, nil
}

// EnsureTables creates the named tables. Existing tables and empty names are
// skipped.
func EnsureTables(ctx context.Context, connStr string, names ...string) error {
	svc, err := newServiceClient(connStr)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !hasErrorCode(err, string(aztables.TableAlreadyExists)) {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	return nil
}

func newServiceClient(connStr string) (*aztables.ServiceClient, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return aztables.NewServiceClientFromConnectionString(connStr, &opts)
}

type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entity
	Title          string `json:"Title"`
	Description    string `json:"Description,omitempty"`
	Status         string `json:"Status"`
	DueDate        string `json:"DueDate,omitempty"`
	CreatedBy      string `json:"CreatedBy"`
	CreatedByName  string `json:"CreatedByName,omitempty"`
	AssignedTo     string `json:"AssignedTo,omitempty"`
	AssignedToName string `json:"AssignedToName,omitempty"`
	CreatedAt      string `json:"CreatedAt"`
	UpdatedAt      string `json:"UpdatedAt"`
	Version        int64  `json:"Version,string"`
	VersionType    string `json:"Version@odata.type"`
}

type userEntity struct {
	entity
	Name string `json:"Name,omitempty"`
}

func encodeTaskEntity(t domain.Task) ([]byte, error) {
	ent := taskEntity{
		entity:        entity{PartitionKey: tasksPartition, RowKey: t.ID},
		Title:         t.Title,
		Description:   t.Description,
		Status:        string(t.Status),
		CreatedBy:     t.CreatedBy.ID,
		CreatedByName: t.CreatedBy.Username,
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Version:       t.Version,
		VersionType:   edmInt64,
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.UTC().Format(time.RFC3339)
	}
	if t.AssignedTo != nil {
		ent.AssignedTo = t.AssignedTo.ID
		ent.AssignedToName = t.AssignedTo.Username
	}
	return json.Marshal(ent)
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
		CreatedBy:   domain.UserRef{ID: ent.CreatedBy, Username: ent.CreatedByName},
		Version:     ent.Version,
	}
	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, ent.CreatedAt); err != nil {
		return domain.Task{}, err
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, ent.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	if ent.DueDate != "" {
		due, err := time.Parse(time.RFC3339, ent.DueDate)
		if err != nil {
			return domain.Task{}, err
		}
		t.DueDate = &due
	}
	if ent.AssignedTo != "" {
		t.AssignedTo = &domain.UserRef{ID: ent.AssignedTo, Username: ent.AssignedToName}
	}
	return t, nil
}

func hasErrorCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func (s *Storage) Insert(ctx context.Context, t domain.Task) error {
	payload, err := encodeTaskEntity(t)
	if err != nil {
		return err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		if statusCode(err) == http.StatusConflict {
			return domain.Conflictf("task %s already exists", t.ID)
		}
		return err
	}
	return nil
}

func (s *Storage) get(ctx context.Context, id string) (domain.Task, azcore.ETag, error) {
	resp, err := s.taskTable.GetEntity(ctx, tasksPartition, id, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return domain.Task{}, "", domain.ErrNotFound
		}
		return domain.Task{}, "", err
	}
	t, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return domain.Task{}, "", err
	}
	return t, resp.ETag, nil
}

func (s *Storage) Get(ctx context.Context, id string) (domain.Task, error) {
	t, _, err := s.get(ctx, id)
	return t, err
}

// List retrieves every task in the table.
func (s *Storage) List(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + tasksPartition + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// Replace overwrites the entity. With a positive expectedVersion the stored
// version is checked and the write is guarded by the entity ETag.
func (s *Storage) Replace(ctx context.Context, t domain.Task, expectedVersion int64) error {
	etag := azcore.ETagAny
	if expectedVersion > 0 {
		cur, tag, err := s.get(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return domain.Conflictf("task %s was modified", t.ID)
		}
		etag = tag
	}
	payload, err := encodeTaskEntity(t)
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	switch statusCode(err) {
	case 0:
		return err
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusPreconditionFailed:
		return domain.Conflictf("task %s was modified", t.ID)
	default:
		return err
	}
}

func (s *Storage) Delete(ctx context.Context, id string) error {
	etag := azcore.ETagAny
	_, err := s.taskTable.DeleteEntity(ctx, tasksPartition, id, &aztables.DeleteEntityOptions{IfMatch: &etag})
	if statusCode(err) == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return err
}

// Remember upserts the user's display name, skipping users already written
// with the same name by this instance.
func (s *Storage) Remember(ctx context.Context, id domain.Identity) error {
	if id.ID == "" {
		return nil
	}
	name := id.Ref().Username
	if prev, ok := s.names.Load(id.ID); ok && prev.(string) == name {
		return nil
	}
	payload, err := json.Marshal(userEntity{entity: entity{PartitionKey: id.ID, RowKey: id.ID}, Name: name})
	if err != nil {
		return err
	}
	if _, err := s.userTable.UpsertEntity(ctx, payload, nil); err != nil {
		return err
	}
	s.names.Store(id.ID, name)
	return nil
}

// Lookup resolves display names, reading unknown users from the table.
func (s *Storage) Lookup(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, done := out[id]; done {
			continue
		}
		if n, ok := s.names.Load(id); ok {
			out[id] = n.(string)
			continue
		}
		resp, err := s.userTable.GetEntity(ctx, id, id, nil)
		if err != nil {
			if statusCode(err) == http.StatusNotFound {
				continue
			}
			return out, err
		}
		var ent userEntity
		if err := json.Unmarshal(resp.Value, &ent); err != nil {
			return out, err
		}
		s.names.Store(id, ent.Name)
		out[id] = ent.Name
	}
	return out, nil
}
