package dynamodb

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/codewandler/evstore/core/es"
)

func eventItem(streamID string, e es.Event) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrStreamID:   &types.AttributeValueMemberS{Value: streamID},
		attrVersion:    number(e.Version),
		attrEventID:    &types.AttributeValueMemberS{Value: e.ID},
		attrCommitID:   &types.AttributeValueMemberS{Value: e.CommitID},
		attrEventType:  &types.AttributeValueMemberS{Value: e.Type},
		attrRecordedAt: &types.AttributeValueMemberN{Value: strconv.FormatInt(e.RecordedAt.UnixNano(), 10)},
	}
	// binary attributes must not be empty
	if len(e.Payload) > 0 {
		item[attrPayload] = &types.AttributeValueMemberB{Value: e.Payload}
	}
	if len(e.Metadata) > 0 {
		md := make(map[string]types.AttributeValue, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = &types.AttributeValueMemberS{Value: v}
		}
		item[attrMetadata] = &types.AttributeValueMemberM{Value: md}
	}
	return item
}

func decodeEvent(item map[string]types.AttributeValue) (es.Event, error) {
	var (
		e   es.Event
		err error
	)
	if e.StreamID, err = stringAttr(item, attrStreamID); err != nil {
		return e, err
	}
	if e.Version, err = versionAttr(item, attrVersion); err != nil {
		return e, err
	}
	if e.ID, err = stringAttr(item, attrEventID); err != nil {
		return e, err
	}
	if e.CommitID, err = stringAttr(item, attrCommitID); err != nil {
		return e, err
	}
	if e.Type, err = stringAttr(item, attrEventType); err != nil {
		return e, err
	}

	ts, ok := item[attrRecordedAt].(*types.AttributeValueMemberN)
	if !ok {
		return e, fmt.Errorf("attribute %s: missing or not a number", attrRecordedAt)
	}
	nanos, err := strconv.ParseInt(ts.Value, 10, 64)
	if err != nil {
		return e, fmt.Errorf("attribute %s: %w", attrRecordedAt, err)
	}
	e.RecordedAt = time.Unix(0, nanos).UTC()

	if b, ok := item[attrPayload].(*types.AttributeValueMemberB); ok {
		e.Payload = b.Value
	}
	if m, ok := item[attrMetadata].(*types.AttributeValueMemberM); ok {
		e.Metadata = make(map[string]string, len(m.Value))
		for k, v := range m.Value {
			s, ok := v.(*types.AttributeValueMemberS)
			if !ok {
				return e, fmt.Errorf("metadata %q: not a string", k)
			}
			e.Metadata[k] = s.Value
		}
	}
	return e, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, error) {
	s, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %s: missing or not a string", name)
	}
	return s.Value, nil
}

func versionAttr(item map[string]types.AttributeValue, name string) (es.Version, error) {
	n, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %s: missing or not a number", name)
	}
	v, err := es.ParseVersion(n.Value)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return v, nil
}
