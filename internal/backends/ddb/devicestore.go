package ddb

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"wagate/internal/types"
)

// DeviceStore keeps one PROFILE item per device under PK "DEVICE#<id>".
// Listing scans the table and filters client side; device counts are small.
type DeviceStore struct {
	table string
	cli   *dynamodb.Client
}

type deviceItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	types.Device
}

func NewDeviceStore(ctx context.Context, table string, cli *dynamodb.Client) (*DeviceStore, error) {
	if err := createTableIfNotExists(ctx, cli, table); err != nil {
		return nil, err
	}
	return &DeviceStore{table: table, cli: cli}, nil
}

func (s *DeviceStore) key(id string) map[string]ddbTypes.AttributeValue {
	return map[string]ddbTypes.AttributeValue{
		"PK": &ddbTypes.AttributeValueMemberS{Value: pkDevice(id)},
		"SK": &ddbTypes.AttributeValueMemberS{Value: skProfile()},
	}
}

func (s *DeviceStore) FindDevice(ctx context.Context, id string) (types.Device, error) {
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		Key:            s.key(id),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return types.Device{}, err
	}
	if out.Item == nil {
		return types.Device{}, types.ErrNotFound
	}
	var item deviceItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return types.Device{}, err
	}
	return item.Device, nil
}

func (s *DeviceStore) ListDevices(ctx context.Context, filter types.DeviceFilter) (types.DevicePage, error) {
	f := filter.Normalize()
	all, err := s.scan(ctx)
	if err != nil {
		return types.DevicePage{}, err
	}
	matched := make([]types.Device, 0, len(all))
	for _, d := range all {
		if f.Matches(d) {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))
	start := min(f.Offset(), len(matched))
	end := min(start+f.PageSize, len(matched))
	return types.NewDevicePage(matched[start:end], total, f), nil
}

func (s *DeviceStore) DeviceIDs(ctx context.Context) ([]string, error) {
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for _, d := range all {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (s *DeviceStore) scan(ctx context.Context) ([]types.Device, error) {
	p := dynamodb.NewScanPaginator(s.cli, &dynamodb.ScanInput{
		TableName:        &s.table,
		FilterExpression: awsString("begins_with(PK, :pk) AND SK = :sk"),
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":pk": &ddbTypes.AttributeValueMemberS{Value: SDevice + "#"},
			":sk": &ddbTypes.AttributeValueMemberS{Value: skProfile()},
		},
		ConsistentRead: awsBool(true),
	})
	var out []types.Device
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			var item deviceItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, err
			}
			if _, err := parseDeviceID(item.PK); err != nil {
				continue
			}
			out = append(out, item.Device)
		}
	}
	return out, nil
}

func (s *DeviceStore) CreateDevice(ctx context.Context, name string) (types.Device, error) {
	now := time.Now().UTC()
	d := types.Device{ID: uuid.NewString(), Name: strings.TrimSpace(name), CreatedAt: now, UpdatedAt: now}
	item, err := attributevalue.MarshalMap(deviceItem{PK: pkDevice(d.ID), SK: skProfile(), Device: d})
	if err != nil {
		return types.Device{}, err
	}
	_, err = s.cli.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.table,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(PK)"),
	})
	if err != nil {
		return types.Device{}, err
	}
	return d, nil
}

func (s *DeviceStore) UpdateDevice(ctx context.Context, id string, upd types.DeviceUpdate) error {
	updatedAt, err := attributevalue.Marshal(time.Now().UTC())
	if err != nil {
		return err
	}
	set := []string{"#ua = :ua"}
	var remove []string
	names := map[string]string{"#ua": "updated_at"}
	values := map[string]ddbTypes.AttributeValue{":ua": updatedAt}
	if upd.Ready != nil {
		set = append(set, "#rd = :rd")
		names["#rd"] = "ready"
		values[":rd"] = &ddbTypes.AttributeValueMemberBOOL{Value: *upd.Ready}
	}
	if upd.PairingPayload != nil {
		names["#pc"] = "pairing_code"
		if *upd.PairingPayload == "" {
			remove = append(remove, "#pc")
		} else {
			set = append(set, "#pc = :pc")
			values[":pc"] = &ddbTypes.AttributeValueMemberS{Value: *upd.PairingPayload}
		}
	}
	expr := "SET " + strings.Join(set, ", ")
	if len(remove) > 0 {
		expr += " REMOVE " + strings.Join(remove, ", ")
	}
	_, err = s.cli.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &s.table,
		Key:                       s.key(id),
		UpdateExpression:          awsString(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("attribute_exists(PK)"),
	})
	return notFoundOnConditionFailure(err)
}

func (s *DeviceStore) DeleteDevice(ctx context.Context, id string) error {
	_, err := s.cli.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           &s.table,
		Key:                 s.key(id),
		ConditionExpression: awsString("attribute_exists(PK)"),
	})
	return notFoundOnConditionFailure(err)
}

func notFoundOnConditionFailure(err error) error {
	var cc *ddbTypes.ConditionalCheckFailedException
	if errors.As(err, &cc) {
		return types.ErrNotFound
	}
	return err
}
