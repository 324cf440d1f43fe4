package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// DefenderUser is the end-user context attached to completion requests for
// Microsoft Defender for Cloud threat protection.
type DefenderUser struct {
	EndUserID            string            `json:"EndUserId"`
	EndUserIDType        string            `json:"EndUserIdType"`
	SourceIP             string            `json:"SourceIp"`
	SourceRequestHeaders map[string]string `json:"SourceRequestHeaders"`
	ConversationID       string            `json:"ConversationId"`
	ApplicationName      string            `json:"ApplicationName"`
}

// DefenderUserJSON renders the "user" tag sent with completion requests.
func DefenderUserJSON(id Identity, headers http.Header, conversationID, applicationName string) string {
	idType := id.Provider
	if idType == "aad" {
		idType = "EntraId"
	}
	sourceIP := headers.Get("X-Forwarded-For")
	if sourceIP == "" {
		sourceIP = headers.Get("Remote-Addr")
	}
	sourceIP, _, _ = strings.Cut(sourceIP, ":")

	b, _ := json.Marshal(DefenderUser{
		EndUserID:            id.UserID,
		EndUserIDType:        idType,
		SourceIP:             sourceIP,
		SourceRequestHeaders: map[string]string{"User-Agent": headers.Get("User-Agent")},
		ConversationID:       conversationID,
		ApplicationName:      applicationName,
	})
	return string(b)
}
