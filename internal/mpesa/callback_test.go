package mpesa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

func TestParseCallback_Success(t *testing.T) {
	tx, err := ParseCallback([]byte(successCallback))
	require.NoError(t, err)

	assert.True(t, tx.Succeeded())
	assert.Equal(t, "ws_CO_191220191020363925", tx.CheckoutRequestID)
	assert.Equal(t, "NLJ7RT61SV", tx.ReceiptNumber)
	assert.Equal(t, "254708374149", tx.PhoneNumber)
	assert.Equal(t, "1", tx.Amount.String())
	assert.Equal(t, 2019, tx.TransactionDate.Year())
	assert.Equal(t, 10, tx.TransactionDate.Hour())
}

func TestParseCallback_Failure(t *testing.T) {
	tx, err := ParseCallback([]byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`))
	require.NoError(t, err)

	assert.False(t, tx.Succeeded())
	assert.Equal(t, 1032, tx.ResultCode)
	assert.Equal(t, "Request cancelled by user", tx.ResultDesc)
}

func TestParseCallback_Errors(t *testing.T) {
	tests := map[string]struct {
		body string
		want error
	}{
		"not json":             {`{"Body":`, ErrInvalidJSON},
		"no envelope":          {`{}`, ErrMalformedCallback},
		"no stkCallback":       {`{"Body":{}}`, ErrMalformedCallback},
		"no result code":       {`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1"}}}`, ErrMalformedCallback},
		"no correlation key":   {`{"Body":{"stkCallback":{"ResultCode":0}}}`, ErrMalformedCallback},
		"wrong types":          {`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":"zero"}}}`, ErrMalformedCallback},
		"success sans receipt": {`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`, ErrMalformedCallback},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCallback([]byte(tc.body))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
