package auth

import (
	"database/sql"
	"errors"
	"log"
	"net/http"

	"github.com/mind-engage/nmcprep/internal/rbac"
)

// RoleOptions controls how AttachRoleFromDB treats subjects without a users row.
type RoleOptions struct {
	// AdminUser is the local admin from LoginHandler. It never gets a users
	// row, so its admin claim is trusted as long as the subject matches.
	AdminUser string
	// ClaimFallback trusts any known token role when the lookup finds nothing
	// or fails. Offline mode only.
	ClaimFallback bool
}

// AttachRoleFromDB replaces the token role with the users table role.
func AttachRoleFromDB(db *sql.DB, opts RoleOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sub := rbac.SubjectFromContext(ctx)
			claimRole := rbac.RoleFromContext(ctx) // set by JWTMiddleware
			_, knownClaim := rbac.RolePermissions[claimRole]

			var role string
			err := db.QueryRowContext(ctx, `SELECT role FROM users WHERE id=$1`, sub).Scan(&role)

			switch {
			case err == nil:
				if _, ok := rbac.RolePermissions[role]; !ok {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r.WithContext(rbac.WithRole(ctx, role)))

			case errors.Is(err, sql.ErrNoRows):
				switch {
				case opts.AdminUser != "" && sub == opts.AdminUser && claimRole == rbac.RoleAdmin:
					next.ServeHTTP(w, r)
				case opts.ClaimFallback && knownClaim:
					next.ServeHTTP(w, r)
				default:
					http.Error(w, "forbidden", http.StatusForbidden)
				}

			default:
				if opts.ClaimFallback && knownClaim {
					next.ServeHTTP(w, r)
					return
				}
				log.Printf("auth: role lookup for %s: %v", sub, err)
				http.Error(w, "role lookup failed", http.StatusServiceUnavailable)
			}
		})
	}
}
