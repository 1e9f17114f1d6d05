package awsprovider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/internal/docstore"
)

const (
	attrCollection = "collection"
	attrID         = "id"

	// maxTransactItems is the DynamoDB limit per TransactWriteItems call.
	maxTransactItems = 100
	tableWait        = 2 * time.Minute
)

// item is the stored form of a document in the single documents table,
// keyed by collection (partition) and id (sort).
type item struct {
	Collection string                 `dynamodbav:"collection"`
	ID         string                 `dynamodbav:"id"`
	Fields     map[string]interface{} `dynamodbav:"fields"`
	CreatedAt  time.Time              `dynamodbav:"createdAt"`
	UpdatedAt  time.Time              `dynamodbav:"updatedAt"`
}

func (it item) document() polybase.Document {
	fields := polybase.Fields(it.Fields)
	if fields == nil {
		fields = polybase.Fields{}
	}
	return polybase.Document{
		ID:         it.ID,
		Collection: it.Collection,
		Fields:     fields,
		CreatedAt:  it.CreatedAt.UTC(),
		UpdatedAt:  it.UpdatedAt.UTC(),
	}
}

func key(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrCollection: &types.AttributeValueMemberS{Value: collection},
		attrID:         &types.AttributeValueMemberS{Value: id},
	}
}

// Database implements polybase.DatabaseProvider on DynamoDB.
type Database struct {
	client  *dynamodb.Client
	table   string
	breaker *polybase.CircuitBreaker
	logger  polybase.Logger
	metrics polybase.Metrics
	now     func() time.Time
}

func newDatabase(client *dynamodb.Client, table string, cb *polybase.CircuitBreaker, logger polybase.Logger, metrics polybase.Metrics) *Database {
	return &Database{
		client:  client,
		table:   table,
		breaker: cb,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (d *Database) Name() string { return "database" }

// Start creates the documents table when it does not exist.
func (d *Database) Start(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err == nil {
		return nil
	}
	if !polybase.IsNotFound(mapError(err, nil, nil)) {
		return fmt.Errorf("%w: %w", polybase.ErrInitialization, mapError(err, nil, map[string]interface{}{"table": d.table}))
	}
	_, err = d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(d.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrCollection), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrCollection), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrID), KeyType: types.KeyTypeRange},
		},
	})
	if err != nil && !errors.Is(mapError(err, nil, nil), polybase.ErrAlreadyExists) {
		return fmt.Errorf("%w: %w", polybase.ErrInitialization, err)
	}
	waiter := dynamodb.NewTableExistsWaiter(d.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}, tableWait); err != nil {
		return fmt.Errorf("%w: %w", polybase.ErrInitialization, err)
	}
	d.logger.Info("Documents table created", "table", d.table)
	return nil
}

func (d *Database) Stop(ctx context.Context) error { return nil }

func (d *Database) Health(ctx context.Context) error {
	return call(ctx, d.breaker, "dynamodb.health", nil, func(ctx context.Context) error {
		_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
		return err
	})
}

// do runs one DynamoDB call with breaker, metrics and error mapping.
func (d *Database) do(ctx context.Context, op string, conditional error, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := call(ctx, d.breaker, "dynamodb."+op, conditional, fn)
	d.metrics.Increment(polybase.MetricBackendOps, "operation", op, "backend", "dynamodb")
	d.metrics.Timing(polybase.MetricBackendLatency, time.Since(start), "operation", op, "backend", "dynamodb")
	if err != nil && !polybase.IsNotFound(err) && !polybase.IsConflict(err) {
		d.metrics.Increment(polybase.MetricBackendErrors, "operation", op, "backend", "dynamodb")
	}
	return err
}

func normalize(fields polybase.Fields) (polybase.Fields, error) {
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return nil, polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}
	return norm, nil
}

// createPut builds a put that fails when the document exists.
func (d *Database) createPut(doc polybase.Document) (*types.Put, error) {
	av, err := attributevalue.MarshalMap(item{
		Collection: doc.Collection,
		ID:         doc.ID,
		Fields:     doc.Fields,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	})
	if err != nil {
		return nil, polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}
	return &types.Put{
		TableName:                aws.String(d.table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": attrID},
	}, nil
}

func (d *Database) create(ctx context.Context, collection, id string, fields polybase.Fields) (polybase.Document, error) {
	norm, err := normalize(fields)
	if err != nil {
		return polybase.Document{}, err
	}
	now := d.now()
	doc := polybase.Document{ID: id, Collection: collection, Fields: norm, CreatedAt: now, UpdatedAt: now}
	put, err := d.createPut(doc)
	if err != nil {
		return polybase.Document{}, err
	}
	err = d.do(ctx, "create", polybase.ErrAlreadyExists, func(ctx context.Context) error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                put.TableName,
			Item:                     put.Item,
			ConditionExpression:      put.ConditionExpression,
			ExpressionAttributeNames: put.ExpressionAttributeNames,
		})
		return err
	})
	if err != nil {
		return polybase.Document{}, err
	}
	return doc, nil
}

func (d *Database) Create(ctx context.Context, collection string, fields polybase.Fields) (polybase.Document, error) {
	if err := docstore.ValidatePublic(collection); err != nil {
		return polybase.Document{}, err
	}
	return d.create(ctx, collection, polybase.NewID(), fields)
}

func (d *Database) get(ctx context.Context, collection, id string) (polybase.Document, error) {
	var out *dynamodb.GetItemOutput
	err := d.do(ctx, "get", nil, func(ctx context.Context) error {
		var err error
		out, err = d.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(d.table),
			Key:            key(collection, id),
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return polybase.Document{}, err
	}
	if out.Item == nil {
		return polybase.Document{}, polybase.WithContext(polybase.ErrNotFound, map[string]interface{}{
			"collection": collection,
			"id":         id,
		})
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return polybase.Document{}, polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}
	return it.document(), nil
}

func (d *Database) Get(ctx context.Context, collection, id string) (polybase.Document, error) {
	if err := docstore.ValidatePublic(collection); err != nil {
		return polybase.Document{}, err
	}
	return d.get(ctx, collection, id)
}

// updateExpression merges fields into the stored map. Field names go through
// placeholders, so names containing dots stay one attribute.
func updateExpression(fields polybase.Fields, now time.Time) (string, map[string]string, map[string]types.AttributeValue, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	names := map[string]string{"#fields": "fields", "#updatedAt": "updatedAt", "#id": attrID}
	values := map[string]types.AttributeValue{}
	sets := make([]string, 0, len(keys)+1)
	for i, k := range keys {
		av, err := attributevalue.Marshal(fields[k])
		if err != nil {
			return "", nil, nil, polybase.Wrap(polybase.ErrInvalidData, err, map[string]interface{}{"field": k})
		}
		n, v := fmt.Sprintf("#f%d", i), fmt.Sprintf(":f%d", i)
		names[n] = k
		values[v] = av
		sets = append(sets, fmt.Sprintf("#fields.%s = %s", n, v))
	}
	ts, err := attributevalue.Marshal(now)
	if err != nil {
		return "", nil, nil, err
	}
	values[":updatedAt"] = ts
	sets = append(sets, "#updatedAt = :updatedAt")
	return "SET " + strings.Join(sets, ", "), names, values, nil
}

func (d *Database) Update(ctx context.Context, collection, id string, fields polybase.Fields) (polybase.Document, error) {
	if err := docstore.ValidatePublic(collection); err != nil {
		return polybase.Document{}, err
	}
	norm, err := normalize(fields)
	if err != nil {
		return polybase.Document{}, err
	}
	expr, names, values, err := updateExpression(norm, d.now())
	if err != nil {
		return polybase.Document{}, err
	}
	var out *dynamodb.UpdateItemOutput
	err = d.do(ctx, "update", polybase.ErrNotFound, func(ctx context.Context) error {
		var err error
		out, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(d.table),
			Key:                       key(collection, id),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String("attribute_exists(#id)"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ReturnValues:              types.ReturnValueAllNew,
		})
		return err
	})
	if err != nil {
		return polybase.Document{}, err
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return polybase.Document{}, polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}
	return it.document(), nil
}

func (d *Database) remove(ctx context.Context, collection, id string) error {
	return d.do(ctx, "delete", polybase.ErrNotFound, func(ctx context.Context) error {
		_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                aws.String(d.table),
			Key:                      key(collection, id),
			ConditionExpression:      aws.String("attribute_exists(#id)"),
			ExpressionAttributeNames: map[string]string{"#id": attrID},
		})
		return err
	})
}

func (d *Database) Delete(ctx context.Context, collection, id string) error {
	if err := docstore.ValidatePublic(collection); err != nil {
		return err
	}
	return d.remove(ctx, collection, id)
}

// filterCondition builds the server-side part of a query. Fields whose names
// contain dots cannot be addressed by expression paths and are only matched
// client-side.
func filterCondition(matchers []docstore.Matcher, filters []polybase.Filter) (expression.ConditionBuilder, bool) {
	var conds []expression.ConditionBuilder
	for i, f := range filters {
		if strings.Contains(f.Field, ".") {
			continue
		}
		name := expression.Name("fields." + f.Field)
		value := expression.Value(matchers[i].Value())
		var c expression.ConditionBuilder
		switch f.Operator {
		case polybase.OpEqual:
			c = name.Equal(value)
		case polybase.OpNotEqual:
			c = expression.And(name.AttributeExists(), name.NotEqual(value))
		case polybase.OpGreater:
			c = name.GreaterThan(value)
		case polybase.OpGreaterEqual:
			c = name.GreaterThanEqual(value)
		case polybase.OpLess:
			c = name.LessThan(value)
		case polybase.OpLessEqual:
			c = name.LessThanEqual(value)
		}
		conds = append(conds, c)
	}
	switch len(conds) {
	case 0:
		return expression.ConditionBuilder{}, false
	case 1:
		return conds[0], true
	}
	return expression.And(conds[0], conds[1], conds[2:]...), true
}

func (d *Database) query(ctx context.Context, collection string, filters []polybase.Filter) ([]polybase.Document, error) {
	matchers := make([]docstore.Matcher, len(filters))
	for i, f := range filters {
		m, err := docstore.NewMatcher(f)
		if err != nil {
			return nil, err
		}
		matchers[i] = m
	}
	builder := expression.NewBuilder().WithKeyCondition(expression.Key(attrCollection).Equal(expression.Value(collection)))
	if cond, ok := filterCondition(matchers, filters); ok {
		builder = builder.WithFilter(cond)
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}

	var out []polybase.Document
	err = d.do(ctx, "query", nil, func(ctx context.Context) error {
		out = out[:0]
		pages := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
			TableName:                 aws.String(d.table),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ConsistentRead:            aws.Bool(true),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return err
			}
			var items []item
			if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
				return polybase.Wrap(polybase.ErrInvalidData, err, nil)
			}
		next:
			for _, it := range items {
				doc := it.document()
				for _, m := range matchers {
					if !m.Match(doc.Fields) {
						continue next
					}
				}
				out = append(out, doc)
			}
		}
		return nil
	})
	return out, err
}

// Query ANDs the filters. Results are ordered by id.
func (d *Database) Query(ctx context.Context, collection string, filters ...polybase.Filter) ([]polybase.Document, error) {
	if err := docstore.ValidatePublic(collection); err != nil {
		return nil, err
	}
	return d.query(ctx, collection, filters)
}

func (d *Database) count(ctx context.Context, collection string) (int, error) {
	total := 0
	err := d.do(ctx, "count", nil, func(ctx context.Context) error {
		total = 0
		pages := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
			TableName:                 aws.String(d.table),
			KeyConditionExpression:    aws.String("#c = :c"),
			ExpressionAttributeNames:  map[string]string{"#c": attrCollection},
			ExpressionAttributeValues: map[string]types.AttributeValue{":c": &types.AttributeValueMemberS{Value: collection}},
			Select:                    types.SelectCount,
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return err
			}
			total += int(page.Count)
		}
		return nil
	})
	return total, err
}

// List pages through a collection in id order.
func (d *Database) List(ctx context.Context, collection string, opts polybase.ListOptions) (polybase.ListResult, error) {
	if opts.Limit < 0 {
		return polybase.ListResult{}, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field": "limit",
			"value": opts.Limit,
		})
	}
	if err := docstore.ValidatePublic(collection); err != nil {
		return polybase.ListResult{}, err
	}
	limit := opts.Limit
	if limit == 0 {
		limit = polybase.DefaultListPageSize
	}
	total, err := d.count(ctx, collection)
	if err != nil {
		return polybase.ListResult{}, err
	}

	var start map[string]types.AttributeValue
	if opts.Cursor != "" {
		start = key(collection, opts.Cursor)
	}
	var docs []polybase.Document
	err = d.do(ctx, "list", nil, func(ctx context.Context) error {
		docs = docs[:0]
		cursor := start
		for len(docs) <= limit {
			out, err := d.client.Query(ctx, &dynamodb.QueryInput{
				TableName:                 aws.String(d.table),
				KeyConditionExpression:    aws.String("#c = :c"),
				ExpressionAttributeNames:  map[string]string{"#c": attrCollection},
				ExpressionAttributeValues: map[string]types.AttributeValue{":c": &types.AttributeValueMemberS{Value: collection}},
				ExclusiveStartKey:         cursor,
				Limit:                     aws.Int32(int32(limit + 1 - len(docs))),
				ConsistentRead:            aws.Bool(true),
			})
			if err != nil {
				return err
			}
			var items []item
			if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
				return polybase.Wrap(polybase.ErrInvalidData, err, nil)
			}
			for _, it := range items {
				docs = append(docs, it.document())
			}
			if out.LastEvaluatedKey == nil {
				break
			}
			cursor = out.LastEvaluatedKey
		}
		return nil
	})
	if err != nil {
		return polybase.ListResult{}, err
	}
	res := polybase.ListResult{Count: total, Documents: docs}
	if len(docs) > limit {
		res.Documents = docs[:limit]
		res.NextCursor = docs[limit-1].ID
	}
	return res, nil
}

func (d *Database) put(ctx context.Context, doc polybase.Document) error {
	norm, err := normalize(doc.Fields)
	if err != nil {
		return err
	}
	created, updated := doc.CreatedAt, doc.UpdatedAt
	if created.IsZero() {
		created = d.now()
	}
	if updated.IsZero() {
		updated = created
	}
	av, err := attributevalue.MarshalMap(item{
		Collection: doc.Collection,
		ID:         doc.ID,
		Fields:     norm,
		CreatedAt:  created,
		UpdatedAt:  updated,
	})
	if err != nil {
		return polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}
	return d.do(ctx, "upsert", nil, func(ctx context.Context) error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.table), Item: av})
		return err
	})
}

// Upsert writes doc with its id and timestamps preserved.
func (d *Database) Upsert(ctx context.Context, doc polybase.Document) error {
	if err := docstore.ValidatePublic(doc.Collection); err != nil {
		return err
	}
	return d.put(ctx, doc)
}

// Collections scans the partition keys of the table.
func (d *Database) Collections(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	err := d.do(ctx, "collections", nil, func(ctx context.Context) error {
		pages := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
			TableName:                aws.String(d.table),
			ProjectionExpression:     aws.String("#c"),
			ExpressionAttributeNames: map[string]string{"#c": attrCollection},
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, av := range page.Items {
				if s, ok := av[attrCollection].(*types.AttributeValueMemberS); ok && !docstore.IsInternal(s.Value) {
					seen[s.Value] = struct{}{}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Database) transactItem(op docstore.Op, now time.Time) (types.TransactWriteItem, error) {
	switch op.Kind {
	case docstore.OpCreate:
		put, err := d.createPut(polybase.Document{ID: op.ID, Collection: op.Collection, Fields: op.Fields, CreatedAt: now, UpdatedAt: now})
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		return types.TransactWriteItem{Put: put}, nil
	case docstore.OpUpdate:
		expr, names, values, err := updateExpression(op.Fields, now)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(d.table),
			Key:                       key(op.Collection, op.ID),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String("attribute_exists(#id)"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}}, nil
	default:
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                aws.String(d.table),
			Key:                      key(op.Collection, op.ID),
			ConditionExpression:      aws.String("attribute_exists(#id)"),
			ExpressionAttributeNames: map[string]string{"#id": attrID},
		}}, nil
	}
}

// Transaction buffers fn's writes and commits them with TransactWriteItems.
// Batches above 100 writes are committed in chunks; each chunk is atomic, the
// whole batch is not.
func (d *Database) Transaction(ctx context.Context, fn func(tx polybase.Tx) error) error {
	tx := docstore.NewBatch(normalize)
	defer func() {
		if r := recover(); r != nil {
			tx.Close()
			d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "panic")
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Close()
		d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "error")
		return err
	}
	ops := tx.Close()
	if len(ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "canceled")
		return err
	}

	now := d.now()
	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		ti, err := d.transactItem(op, now)
		if err != nil {
			d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "encode")
			return fmt.Errorf("%w: %w", polybase.ErrTransactionFailed, err)
		}
		items = append(items, ti)
	}
	if len(items) > maxTransactItems {
		d.logger.Warn("Transaction exceeds one DynamoDB commit, writing in chunks", "ops", len(items))
	}
	for start := 0; start < len(items); start += maxTransactItems {
		chunk := items[start:min(start+maxTransactItems, len(items))]
		err := d.do(ctx, "transaction", polybase.ErrConflict, func(ctx context.Context) error {
			_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: chunk})
			return err
		})
		if err != nil {
			d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "commit")
			return polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrTransactionFailed, err), map[string]interface{}{
				"ops":       len(ops),
				"committed": start,
			})
		}
	}
	d.metrics.Increment(polybase.MetricTransactionCommit)
	d.metrics.Histogram(polybase.MetricTransactionSize, float64(len(ops)))
	return nil
}

var (
	_ polybase.DatabaseProvider = (*Database)(nil)
	_ polybase.Component        = (*Database)(nil)
)
