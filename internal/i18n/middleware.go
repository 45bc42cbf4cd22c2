package i18n

import "net/http"

// Middleware resolves the request language from the Accept-Language
// header and attaches a matching localizer to the request context.
// The lang argument is the fallback when no header is present.
func Middleware(lang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accept := r.Header.Get("Accept-Language")
			if accept == "" {
				accept = lang
			}
			loc := NewLocalizer(accept)
			next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), loc)))
		})
	}
}
