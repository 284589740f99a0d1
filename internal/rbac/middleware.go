package rbac

import (
	"errors"
	"log"
	"net/http"
)

var defaultChecker = NewChecker(nil)

// ErrNoResource is returned by an OwnerFunc when the addressed resource does not exist.
var ErrNoResource = errors.New("rbac: no such resource")

// OwnerFunc resolves the subject that owns the resource a request addresses.
type OwnerFunc func(r *http.Request) (string, error)

func guard(allow func(role string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			if role == "" || !allow(role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Require enforces a single permission.
func Require(perm string) func(http.Handler) http.Handler {
	return guard(func(role string) bool { return defaultChecker.Has(role, perm) })
}

// RequireAny enforces that the role has at least one of the permissions.
func RequireAny(perms ...string) func(http.Handler) http.Handler {
	return guard(func(role string) bool { return defaultChecker.Any(role, perms...) })
}

// RequireOwnerOr admits holders of perm without a lookup, and otherwise only
// the subject that owner reports for the request.
func RequireOwnerOr(perm string, owner OwnerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Allowed(r.Context(), perm) {
				next.ServeHTTP(w, r)
				return
			}
			sub := SubjectFromContext(r.Context())
			id, err := owner(r)
			switch {
			case errors.Is(err, ErrNoResource):
				http.Error(w, "not found", http.StatusNotFound)
			case err != nil:
				log.Printf("rbac: owner lookup: %v", err)
				http.Error(w, "owner lookup failed", http.StatusInternalServerError)
			case sub == "" || id != sub:
				http.Error(w, "forbidden", http.StatusForbidden)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
