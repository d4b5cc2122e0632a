// Package awstest provides in-memory stand-ins for the AWS clients used in unit tests.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// FakeDynamo is a small in-memory DynamoDB. It understands the condition and
// update expressions used by the stores in this module: attribute_exists,
// attribute_not_exists, =, <>, <, AND, OR with one level of parentheses,
// SET and REMOVE. Tables are keyed by a single string partition key.
type FakeDynamo struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]map[string]types.AttributeValue
	fail   map[string]error
	calls  map[string]int
}

// NewFakeDynamo returns a fake with the given table -> partition key attribute mapping.
func NewFakeDynamo(keys map[string]string) *FakeDynamo {
	f := &FakeDynamo{
		keys:   map[string]string{},
		tables: map[string]map[string]map[string]types.AttributeValue{},
		fail:   map[string]error{},
		calls:  map[string]int{},
	}
	for t, k := range keys {
		f.keys[t] = k
		f.tables[t] = map[string]map[string]types.AttributeValue{}
	}
	return f
}

// FailNext makes the next call of op ("PutItem", "Query", ...) return err.
func (f *FakeDynamo) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// Calls returns how many times op was invoked.
func (f *FakeDynamo) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Seed stores item as-is.
func (f *FakeDynamo) Seed(table string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk, err := f.pkOf(table, item)
	if err != nil {
		panic(err)
	}
	f.tables[table][pk] = copyItem(item)
}

// Item returns a copy of the stored item or nil.
func (f *FakeDynamo) Item(table, pk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.tables[table][pk]
	if !ok {
		return nil
	}
	return copyItem(it)
}

// Len returns the number of items in table.
func (f *FakeDynamo) Len(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func (f *FakeDynamo) enter(op string) error {
	f.calls[op]++
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

func (f *FakeDynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	pk, err := f.pkOf(table, in.Item)
	if err != nil {
		return nil, err
	}
	existing := f.tables[table][pk]
	if err := checkCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing); err != nil {
		return nil, err
	}
	f.tables[table][pk] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *FakeDynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	pk, err := f.pkOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := f.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *FakeDynamo) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	pk, err := f.pkOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	existing := f.tables[table][pk]
	if err := checkCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing); err != nil {
		return nil, err
	}
	delete(f.tables[table], pk)
	out := &dyn.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld && existing != nil {
		out.Attributes = copyItem(existing)
	}
	return out, nil
}

func (f *FakeDynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	updated, err := f.applyUpdate(table, in.Key, in.UpdateExpression, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew || in.ReturnValues == types.ReturnValueUpdatedNew {
		out.Attributes = copyItem(updated)
	}
	return out, nil
}

func (f *FakeDynamo) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	expr := sdkaws.ToString(in.KeyConditionExpression)
	var items []map[string]types.AttributeValue
	for _, it := range f.tables[table] {
		ok, err := evalExpr(expr, in.ExpressionAttributeNames, in.ExpressionAttributeValues, it)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, copyItem(it))
		}
		if in.Limit != nil && int32(len(items)) >= *in.Limit {
			break
		}
	}
	return &dyn.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *FakeDynamo) Scan(ctx context.Context, in *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Scan"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	var items []map[string]types.AttributeValue
	for _, it := range f.tables[table] {
		items = append(items, copyItem(it))
	}
	return &dyn.ScanOutput{Items: items, Count: int32(len(items))}, nil
}

// TransactWriteItems checks every condition first and applies nothing unless all pass.
func (f *FakeDynamo) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TransactWriteItems"); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, it := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		var (
			table string
			key   map[string]types.AttributeValue
			cond  *string
			names map[string]string
			vals  map[string]types.AttributeValue
		)
		switch {
		case it.Put != nil:
			table, key, cond, names, vals = sdkaws.ToString(it.Put.TableName), it.Put.Item, it.Put.ConditionExpression, it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues
		case it.Delete != nil:
			table, key, cond, names, vals = sdkaws.ToString(it.Delete.TableName), it.Delete.Key, it.Delete.ConditionExpression, it.Delete.ExpressionAttributeNames, it.Delete.ExpressionAttributeValues
		case it.Update != nil:
			table, key, cond, names, vals = sdkaws.ToString(it.Update.TableName), it.Update.Key, it.Update.ConditionExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues
		case it.ConditionCheck != nil:
			table, key, cond, names, vals = sdkaws.ToString(it.ConditionCheck.TableName), it.ConditionCheck.Key, it.ConditionCheck.ConditionExpression, it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, errors.New("empty transact item")
		}
		pk, err := f.pkOf(table, key)
		if err != nil {
			return nil, err
		}
		if err := checkCondition(cond, names, vals, f.tables[table][pk]); err != nil {
			var ccf *types.ConditionalCheckFailedException
			if !errors.As(err, &ccf) {
				return nil, err
			}
			reasons[i] = types.CancellationReason{Code: sdkaws.String("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			table := sdkaws.ToString(it.Put.TableName)
			pk, _ := f.pkOf(table, it.Put.Item)
			f.tables[table][pk] = copyItem(it.Put.Item)
		case it.Delete != nil:
			table := sdkaws.ToString(it.Delete.TableName)
			pk, _ := f.pkOf(table, it.Delete.Key)
			delete(f.tables[table], pk)
		case it.Update != nil:
			u := it.Update
			if _, err := f.applyUpdate(sdkaws.ToString(u.TableName), u.Key, u.UpdateExpression, nil, u.ExpressionAttributeNames, u.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (f *FakeDynamo) pkOf(table string, item map[string]types.AttributeValue) (string, error) {
	keyAttr, ok := f.keys[table]
	if !ok {
		return "", fmt.Errorf("awstest: unknown table %q", table)
	}
	v, ok := item[keyAttr].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("awstest: item for %q has no string key %q", table, keyAttr)
	}
	return v.Value, nil
}

func (f *FakeDynamo) applyUpdate(table string, key map[string]types.AttributeValue, update, cond *string, names map[string]string, vals map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	pk, err := f.pkOf(table, key)
	if err != nil {
		return nil, err
	}
	existing := f.tables[table][pk]
	if err := checkCondition(cond, names, vals, existing); err != nil {
		return nil, err
	}
	item := copyItem(existing)
	if item == nil {
		item = copyItem(key)
	}

	expr := strings.TrimSpace(sdkaws.ToString(update))
	for expr != "" {
		var section string
		switch {
		case strings.HasPrefix(expr, "SET "):
			section, expr = cutSection(expr[len("SET "):])
			for _, assign := range strings.Split(section, ",") {
				lhs, rhs, ok := strings.Cut(assign, "=")
				if !ok {
					return nil, fmt.Errorf("awstest: bad SET clause %q", assign)
				}
				v, ok := vals[strings.TrimSpace(rhs)]
				if !ok {
					return nil, fmt.Errorf("awstest: missing value %q", strings.TrimSpace(rhs))
				}
				item[resolveName(strings.TrimSpace(lhs), names)] = v
			}
		case strings.HasPrefix(expr, "REMOVE "):
			section, expr = cutSection(expr[len("REMOVE "):])
			for _, name := range strings.Split(section, ",") {
				delete(item, resolveName(strings.TrimSpace(name), names))
			}
		default:
			return nil, fmt.Errorf("awstest: unsupported update expression %q", expr)
		}
	}
	f.tables[table][pk] = item
	return item, nil
}

// cutSection returns the clause list up to the next SET/REMOVE keyword and the remainder.
func cutSection(s string) (string, string) {
	next := len(s)
	for _, kw := range []string{" SET ", " REMOVE "} {
		if i := strings.Index(s, kw); i >= 0 && i < next {
			next = i
		}
	}
	return strings.TrimSpace(s[:next]), strings.TrimSpace(s[next:])
}

func checkCondition(cond *string, names map[string]string, vals map[string]types.AttributeValue, item map[string]types.AttributeValue) error {
	if cond == nil || *cond == "" {
		return nil
	}
	ok, err := evalExpr(*cond, names, vals, item)
	if err != nil {
		return err
	}
	if !ok {
		return &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	return nil
}

func evalExpr(expr string, names map[string]string, vals map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") && len(splitTop(expr, " AND ")) == 1 && len(splitTop(expr, " OR ")) == 1 {
		expr = expr[1 : len(expr)-1]
	}
	if parts := splitTop(expr, " OR "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalExpr(p, names, vals, item)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	if parts := splitTop(expr, " AND "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalExpr(p, names, vals, item)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	return evalAtom(expr, names, vals, item)
}

// splitTop splits s on sep outside parentheses.
func splitTop(s, sep string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && strings.HasPrefix(s[i:], sep) {
			parts = append(parts, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	return append(parts, s[start:])
}

func evalAtom(atom string, names map[string]string, vals map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	atom = strings.TrimSpace(atom)
	if strings.HasPrefix(atom, "attribute_exists(") {
		name := resolveName(strings.TrimSuffix(strings.TrimPrefix(atom, "attribute_exists("), ")"), names)
		_, ok := item[name]
		return ok, nil
	}
	if strings.HasPrefix(atom, "attribute_not_exists(") {
		name := resolveName(strings.TrimSuffix(strings.TrimPrefix(atom, "attribute_not_exists("), ")"), names)
		_, ok := item[name]
		return !ok, nil
	}
	for _, op := range []string{"<>", "=", "<"} {
		lhs, rhs, found := strings.Cut(atom, " "+op+" ")
		if !found {
			continue
		}
		want, ok := vals[strings.TrimSpace(rhs)]
		if !ok {
			return false, fmt.Errorf("awstest: missing value %q", rhs)
		}
		got, exists := item[resolveName(strings.TrimSpace(lhs), names)]
		if !exists {
			return op == "<>", nil
		}
		switch op {
		case "=":
			return equal(got, want), nil
		case "<>":
			return !equal(got, want), nil
		case "<":
			return less(got, want), nil
		}
	}
	return false, fmt.Errorf("awstest: unsupported condition %q", atom)
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

func equal(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		x, _ := strconv.ParseFloat(av.Value, 64)
		y, _ := strconv.ParseFloat(bv.Value, 64)
		return x == y
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

func less(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value < bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		x, _ := strconv.ParseFloat(av.Value, 64)
		y, _ := strconv.ParseFloat(bv.Value, 64)
		return x < y
	}
	return false
}

// copyItem is shallow: attribute values are treated as immutable.
func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
