package service

import (
	"strings"

	"github.com/smallbiznis/shopcredits/internal/credit/domain"
)

var (
	shopIDMetadataKeys  = []string{"shopId", "shop_id"}
	shopNameCustomField = []string{"shopname", "shop_name", "shop"}
)

// resolveShopID prefers tenant metadata over client_reference_id. An empty
// result means the tenant is unknown.
func resolveShopID(session *domain.CheckoutSession) string {
	for _, key := range shopIDMetadataKeys {
		if value := strings.TrimSpace(session.Metadata[key]); value != "" {
			return value
		}
	}
	return strings.TrimSpace(session.ClientReferenceID)
}

// shopNameHint returns the payer supplied shop name. It is for operators
// only and never used to pick a shop.
func shopNameHint(fields map[string]string) string {
	for _, want := range shopNameCustomField {
		for key, value := range fields {
			if strings.EqualFold(strings.TrimSpace(key), want) && value != "" {
				return value
			}
		}
	}
	return ""
}
