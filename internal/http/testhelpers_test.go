package httpx

import (
	"encoding/json"
	"net/http"
)

func jsonDecode(resp *http.Response, dst any) error {
	return json.NewDecoder(resp.Body).Decode(dst)
}
