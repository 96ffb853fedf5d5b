// Package kmip implements a policy enforcing KMIP key server.
//
// The server accepts mutually authenticated TLS connections, decodes KMIP
// 1.x TTLV requests and services them against managed objects kept in an
// object store. Every access to an object goes through the operation policy
// named by the object; policies are loaded from a directory and reloaded
// whenever a policy file changes, without restarting the server.
//
// Supported Operations:
// - Discover Versions: list the supported protocol versions.
// - Create: create symmetric keys (AES, ChaCha20-Poly1305).
// - Activate: move a pre-active object to the active state.
// - Get: retrieve symmetric keys in raw format.
// - Get Attributes: retrieve attributes of an object.
// - Revoke: deactivate an active object, or mark any object compromised.
// - Destroy: destroy objects that are not active.
// - Encrypt, Decrypt: AES in CBC, ECB, CTR and GCM modes, ChaCha20-Poly1305.
//
// Encrypt and Decrypt requests without cryptographic parameters use AES in
// CBC mode with PKCS#5 padding.
//
// Requests omitting the unique identifier use the ID placeholder of the
// session: the identifier of the object last created, fetched with Get or
// inspected with Get Attributes. Get and Get Attributes never resolve
// through a placeholder set by earlier requests.
//
// Compatibility:
//   - The wire codec is github.com/gemalto/kmip-go; KMIP versions 1.0 to 1.4
//     are accepted.
package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */
