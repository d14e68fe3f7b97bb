package api

import (
	"fmt"
	"strconv"
	"strings"
)

// productIDPrefix keeps internal row IDs out of agent-visible identifiers.
const productIDPrefix = "wc_"

func formatProductID(id int64) string {
	return productIDPrefix + strconv.FormatInt(id, 10)
}

// parseProductID converts an agent-visible product ID ("wc_42") to a row ID.
func parseProductID(s string) (int64, error) {
	digits, ok := strings.CutPrefix(s, productIDPrefix)
	if !ok || digits == "" {
		return 0, fmt.Errorf("product id must look like %s<number>", productIDPrefix)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("product id contains invalid character: %c", r)
		}
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("product id out of range")
	}
	return id, nil
}
