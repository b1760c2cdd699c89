package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

const SignatureHeader = "X-Line-Signature"

// Sign computes the X-Line-Signature value for body. The SDK only verifies,
// so callers that build webhook requests sign with this.
func Sign(channelSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the X-Line-Signature header value against body.
func VerifySignature(channelSecret string, body []byte, signature string) bool {
	if channelSecret == "" || signature == "" {
		return false
	}
	return webhook.ValidateSignature(channelSecret, signature, body)
}
