package middleware

import (
	"context"
	"net/http"

	"github.com/mssola/useragent"
)

// Device captures client device facts for audit enrichment. Enrollment and
// MFA changes log which kind of client performed them.
type Device struct {
	Browser  string
	OS       string
	Mobile   bool
	Bot      bool
	RawAgent string
}

// DeviceContext parses the User-Agent header into the request context.
func DeviceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("User-Agent")
		ua := useragent.New(raw)
		browser, _ := ua.Browser()
		device := Device{
			Browser:  browser,
			OS:       ua.OS(),
			Mobile:   ua.Mobile(),
			Bot:      ua.Bot(),
			RawAgent: raw,
		}
		ctx := context.WithValue(r.Context(), deviceKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetDevice returns the device facts stored by DeviceContext.
func GetDevice(ctx context.Context) (Device, bool) {
	device, ok := ctx.Value(deviceKey).(Device)
	return device, ok
}
