package batch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		result string
		failed bool
	}{
		{"Product is Out of Stock", true},
		{"SOLD OUT", true},
		{"The item is currently unavailable in your area", true},
		{"Delivery not available to this pincode", true},
		{"The order cannot be completed", true},
		{"Your order could not be placed", true},
		{"Order failed due to payment", true},
		{"Unable to order this product", true},
		{"This product is no longer available", true},
		{"Order placed successfully. Order ID: 402-1234", false},
		{"", false},
		{"Available in 3 colors", false},
	}
	for _, tt := range tests {
		t.Run(tt.result, func(t *testing.T) {
			assert.Equal(t, tt.failed, Classify(tt.result))
		})
	}
}

func TestClassify_EveryPhraseInAnyCase(t *testing.T) {
	for _, phrase := range failurePhrases {
		assert.True(t, Classify("result: "+strings.ToUpper(phrase)+"!"), phrase)
		assert.True(t, Classify("  "+phrase+"  "), phrase)
	}
}

func TestItemNamespace(t *testing.T) {
	assert.Equal(t, "b1_item_0", ItemSessionID("b1", 0))

	tests := []struct {
		batchID, sessionID string
		want               bool
	}{
		{"b1", "b1_item_0", true},
		{"b1", "b1_item_12", true},
		{"b1", "b1", false},
		{"b1", "b1_item_", false},
		{"b1", "b1_item_x", false},
		{"b1", "b1_item_-1", false},
		{"b1", "b1_item_01", false},
		{"b1", "b10_item_0", false},
		{"b", "b1_item_0", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InItemNamespace(tt.batchID, tt.sessionID), "%s / %s", tt.batchID, tt.sessionID)
	}
}
