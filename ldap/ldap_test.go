package ldap

import (
	b64 "encoding/base64"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonasScharpf/godap/godap"
	auth "github.com/abbot/go-http-auth"

	"github.com/buildhive/artifact-cache/config"
)

func fakeLdapConfig() *config.LDAPConfig {
	return &config.LDAPConfig{
		URL:               "ldap://127.0.0.99:10000/",
		BaseDN:            "OU=My Users,DC=example,DC=com",
		BindUser:          "CN=read-only-admin,OU=My Users,DC=example,DC=com",
		BindPassword:      "1234",
		UsernameAttribute: "uid",
		GroupsQuery:       "(|(memberOf=CN=cache-users,OU=Groups,OU=My Users,DC=example,DC=com))",
		CacheTime:         3600,
	}
}

var usersPasswords = map[string]string{
	"CN=read-only-admin,OU=My Users,DC=example,DC=com": "1234",
	"user":                                  "password",
	"cn=user,OU=My Users,DC=example,DC=com": "password",
}

func verifyUserPass(username string, password string) bool {
	wantPass, hasUser := usersPasswords[username]
	return hasUser && wantPass == password
}

// startLdapServer brings up a fake in-process LDAP server that binds
// against usersPasswords and answers search queries.
func startLdapServer() {
	hs := make([]godap.LDAPRequestHandler, 0)

	hs = append(hs, &godap.LDAPBindFuncHandler{
		LDAPBindFunc: func(binddn string, bindpw []byte) bool {
			return verifyUserPass(binddn, string(bindpw))
		},
	})

	hs = append(hs, &godap.LDAPSimpleSearchFuncHandler{
		LDAPSimpleSearchFunc: func(req *godap.LDAPSimpleSearchRequest) []*godap.LDAPSimpleSearchResultEntry {
			ret := make([]*godap.LDAPSimpleSearchResultEntry, 0, 1)

			if req.FilterAttr == "uid" {
				userPassword := b64.StdEncoding.EncodeToString([]byte(req.FilterValue))

				ret = append(ret, &godap.LDAPSimpleSearchResultEntry{
					DN: "cn=" + req.FilterValue + "," + req.BaseDN,
					Attrs: map[string]interface{}{
						"cn":           req.FilterValue,
						"uid":          req.FilterValue,
						"userPassword": userPassword,
						"objectClass":  []string{"top", "posixAccount", "inetOrgPerson"},
					},
					Skip: false,
				})
			} else if req.FilterAttr == "searchFingerprint" {
				// Compound queries (username attribute plus groups
				// filter) arrive here. The first filter value selects
				// whether the fake directory reports a match.
				filterValues := strings.Split(req.FilterValue, ";")
				passOrFail := filterValues[0]
				user := filterValues[1]
				userPassword := b64.StdEncoding.EncodeToString([]byte(user))

				if passOrFail == "pass" {
					ret = append(ret, &godap.LDAPSimpleSearchResultEntry{
						DN: "cn=" + user + "," + req.BaseDN,
						Attrs: map[string]interface{}{
							"cn":           user,
							"uid":          user,
							"userPassword": userPassword,
							"objectClass":  []string{"top", "posixAccount", "inetOrgPerson"},
						},
						Skip: false,
					})
				} else {
					ret = append(ret, &godap.LDAPSimpleSearchResultEntry{
						DN:    "cn=" + user + "," + req.BaseDN,
						Attrs: map[string]interface{}{"cn": user},
						Skip:  true,
					})
				}
			}

			return ret
		},
	})

	s := &godap.LDAPServer{
		Handlers: hs,
	}

	// Give the listener a moment to come up, connections would be
	// refused otherwise.
	go func() {
		if err := s.ListenAndServe("127.0.0.99:10000"); err != nil {
			log.Println("fake LDAP server exited:", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)
}

func TestNewConnection(t *testing.T) {
	cfg := fakeLdapConfig()

	ldapAuthenticator, err := New(cfg)
	if ldapAuthenticator != nil {
		t.Fatal("No connection should be established to", cfg.URL)
	}
	if err == nil {
		t.Fatal("An error should raise while connecting to", cfg.URL)
	}

	startLdapServer()

	ldapAuthenticator, err = New(cfg)
	if ldapAuthenticator == nil {
		t.Fatal("Connection should be established to", cfg.URL)
	}
	if err != nil {
		t.Fatal("No error should raise while connecting to", cfg.URL)
	}

	// An invalid bind password must be rejected up front.
	cfg.BindPassword = "asdf"
	ldapAuthenticator, err = New(cfg)
	if ldapAuthenticator != nil {
		t.Fatal("No connection should be established with", cfg.BindPassword)
	}
	if err == nil {
		t.Fatal("An error should raise while connecting with", cfg.BindPassword)
	}
}

func TestAuth(t *testing.T) {
	cfg := fakeLdapConfig()
	// Route compound searches through the fake directory's "pass"
	// branch so the test user is found.
	cfg.UsernameAttribute = "pass"

	startLdapServer()

	ldapAuthenticator, err := New(cfg)
	if err != nil {
		t.Fatal("No error should raise while connecting to", cfg.URL)
	}

	handler := auth.JustCheck(ldapAuthenticator,
		func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "Logged in")
		})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	// Without credentials the realm challenge is returned.
	rsp, err := ts.Client().Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	rsp.Body.Close()
	if rsp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rsp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.SetBasicAuth("user", usersPasswords["user"])
	rsp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "Logged in" {
		t.Fatalf("expected a logged-in response, got %q", body)
	}
}
