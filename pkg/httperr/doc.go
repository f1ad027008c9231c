/*
Package httperr carries an HTTP status through an error chain.

Handlers deep in the call stack return errors tagged with a kind
(bad request, unauthorized, not found, conflict, too many, service
unavailable, bad gateway, internal);
the outermost handler maps the kind to a status code and a JSON error
body with httperr.Write. Untagged errors surface as 500.
*/
package httperr
