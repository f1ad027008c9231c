/*
Package presence tracks device availability from protocol ingress.

Every request that carries a device serial refreshes that device's
last-seen clock. A periodic sweep flips devices offline once they stay
silent past the timeout, unless the device still holds an open long-poll
subscription, which counts as presence. Transition callbacks feed the
online gauge and the MQTT availability topics.
*/
package presence
